// Command docgen runs one document pipeline from a JSON request file and
// prints the assembled run as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"generation-orchestrator/internal/app"
	"generation-orchestrator/internal/config"
	"generation-orchestrator/internal/logging"
	"generation-orchestrator/internal/models"
)

func main() {
	input := flag.String("request", "-", "path to a JSON document request, - for stdin")
	documentOnly := flag.Bool("document", false, "print only the assembled Markdown document")
	flag.Parse()

	if err := run(*input, *documentOnly, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "docgen:", err)
		os.Exit(1)
	}
}

func run(input string, documentOnly bool, out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// Logs go to stderr so stdout stays machine readable.
	logger := logging.Setup(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	req, err := readRequest(input)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancelClose := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancelClose()
		_ = a.Close(closeCtx)
	}()

	result, err := a.Pipeline.Run(ctx, req)
	if err != nil {
		return err
	}
	if documentOnly {
		_, err = io.WriteString(out, result.Document+"\n")
	} else {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		err = enc.Encode(result)
	}
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("%d section(s) failed", len(result.Errors))
	}
	return nil
}

func readRequest(path string) (models.DocumentRequest, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return models.DocumentRequest{}, err
		}
		defer f.Close()
		r = f
	}
	var req models.DocumentRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return models.DocumentRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}
