// Command solve asks the relay server a question, rotating through a local
// pool of upstream API keys until one attempt succeeds.
//
// Usage:
//
//	solve -server http://localhost:8080 -token TOKEN -prompt "question" [-image file.png]...
//	solve keys add KEY
//	solve keys remove KEY
//	solve keys list
package main

import (
	"context"
	"flag"
	"fmt"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/mixaill76/solver_relay/internal/dispatch"
	"github.com/mixaill76/solver_relay/internal/logger"
	"github.com/mixaill76/solver_relay/internal/rotation"
	"github.com/mixaill76/solver_relay/internal/security"
)

type imageList []string

func (i *imageList) String() string {
	return strings.Join(*i, ", ")
}

func (i *imageList) Set(value string) error {
	*i = append(*i, value)
	return nil
}

func defaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "solver_relay_keys.json"
	}
	return filepath.Join(home, ".solver_relay", "keys.json")
}

func main() {
	var images imageList

	serverURL := flag.String("server", "http://localhost:8080", "Relay server base URL")
	token := flag.String("token", "", "Caller bearer token")
	statePath := flag.String("state", defaultStatePath(), "Path to the key rotation state file")
	model := flag.String("model", "", "Model name (server default when empty)")
	prompt := flag.String("prompt", "", "Question text")
	stream := flag.Bool("stream", true, "Stream the answer as it is generated")
	logLevel := flag.String("log-level", "error", "Logging level (debug, info, error)")
	flag.Var(&images, "image", "Image file to attach (repeatable)")
	flag.Parse()

	log := logger.New(*logLevel)
	store := rotation.NewFileStore(*statePath)

	if args := flag.Args(); len(args) > 0 && args[0] == "keys" {
		if err := runKeys(store, args[1:]); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		return
	}

	if *prompt == "" && len(images) == 0 {
		fmt.Fprintln(os.Stderr, "Error: provide -prompt or at least one -image")
		flag.Usage()
		os.Exit(2)
	}
	if *token == "" {
		fmt.Fprintln(os.Stderr, "Error: -token is required")
		os.Exit(2)
	}

	in := &dispatch.Input{
		Prompt: *prompt,
		Model:  *model,
	}
	for _, path := range images {
		img, err := loadImage(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		in.Images = append(in.Images, img)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client := dispatch.NewClient(*serverURL, *token, nil, log)
	disp := dispatch.New(store, client, log)
	disp.Streaming = *stream
	if *stream {
		disp.OnDelta = func(text string) {
			fmt.Print(text)
		}
	}

	out, err := disp.Run(ctx, in)
	if err != nil {
		if *stream {
			fmt.Println()
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	if *stream {
		// Deltas were already printed; finish the line.
		fmt.Println()
	} else {
		fmt.Println(out.Answer)
	}
}

func loadImage(path string) (dispatch.ImageFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return dispatch.ImageFile{}, fmt.Errorf("failed to read image %s: %w", path, err)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}

	return dispatch.ImageFile{
		Name:     filepath.Base(path),
		MIMEType: mimeType,
		Data:     data,
	}, nil
}

func runKeys(store *rotation.FileStore, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: solve keys <add|remove|list> [key]")
	}

	state, err := store.Load()
	if err != nil {
		return err
	}

	switch args[0] {
	case "add":
		if len(args) < 2 {
			return fmt.Errorf("usage: solve keys add KEY")
		}
		key := strings.TrimSpace(args[1])
		if key == "" {
			return fmt.Errorf("key is empty")
		}
		for _, existing := range state.Pool {
			if existing == key {
				return fmt.Errorf("key %s already in pool", security.CredentialLabel(key))
			}
		}
		state.SetPool(append(state.Pool, key))
		if err := store.Save(state); err != nil {
			return err
		}
		fmt.Printf("Added %s (%d keys in pool)\n", security.CredentialLabel(key), len(state.Pool))

	case "remove":
		if len(args) < 2 {
			return fmt.Errorf("usage: solve keys remove KEY")
		}
		key := strings.TrimSpace(args[1])
		pool := make([]string, 0, len(state.Pool))
		for _, existing := range state.Pool {
			if existing != key {
				pool = append(pool, existing)
			}
		}
		if len(pool) == len(state.Pool) {
			return fmt.Errorf("key %s not in pool", security.CredentialLabel(key))
		}
		state.SetPool(pool)
		state.ClearInvalid(key)
		if err := store.Save(state); err != nil {
			return err
		}
		fmt.Printf("Removed %s (%d keys in pool)\n", security.CredentialLabel(key), len(state.Pool))

	case "list":
		if len(state.Pool) == 0 {
			fmt.Println("No keys in pool.")
			return nil
		}
		for i, key := range state.Pool {
			marker := " "
			if i == state.Cursor {
				marker = "*"
			}
			status := "ok"
			if inv, bad := state.Invalid[strings.TrimSpace(key)]; bad {
				status = fmt.Sprintf("invalid (%s)", inv.Reason)
			}
			fmt.Printf("%s %2d  %s  %s\n", marker, i+1, security.CredentialLabel(key), status)
		}

	default:
		return fmt.Errorf("unknown keys command: %s", args[0])
	}

	return nil
}
