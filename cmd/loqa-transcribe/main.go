package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/loqalabs/loqa-dictate/internal/audio/decoder"
	"github.com/loqalabs/loqa-dictate/internal/capture/pamic"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/filetx"
	"github.com/loqalabs/loqa-dictate/internal/stt"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath string
		engineMode string
		modelPath  string
		language   string
		asJSON     bool
	)
	transcribeCmd := flag.NewFlagSet("transcribe", flag.ExitOnError)
	transcribeCmd.StringVar(&configPath, "config", "", "Path to configuration file")
	transcribeCmd.StringVar(&engineMode, "engine", "", "Speech engine (mock, exec, whisper, vosk)")
	transcribeCmd.StringVar(&modelPath, "model", "", "Model path for whisper or vosk")
	transcribeCmd.StringVar(&language, "language", "", "Language code, or auto")
	transcribeCmd.BoolVar(&asJSON, "json", false, "Print results as JSON")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'transcribe', 'formats', 'devices' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "transcribe":
		transcribeCmd.Parse(os.Args[2:])
		if transcribeCmd.NArg() == 0 {
			fmt.Fprintln(os.Stderr, "usage: loqa-transcribe transcribe [flags] FILE...")
			os.Exit(2)
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if engineMode != "" {
			cfg.Engine.Mode = engineMode
		}
		if modelPath != "" {
			cfg.Engine.ModelPath = modelPath
		}
		if language != "" {
			cfg.Engine.Language = language
		}
		failed, err := runTranscribe(cfg, transcribeCmd.Args(), asJSON)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if failed > 0 {
			os.Exit(1)
		}
	case "formats":
		fmt.Println(strings.Join(decoder.SupportedFormats(), " "))
	case "devices":
		if err := runDevices(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runTranscribe(cfg config.Config, paths []string, asJSON bool) (int, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	engine, err := stt.New(cfg.Engine, nil, logger)
	if err != nil {
		return 0, err
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := filetx.NewService(decoder.New(logger), engine, nil, logger)
	results := svc.TranscribeFiles(ctx, paths)

	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return failed, enc.Encode(results)
	}
	for _, r := range results {
		if r.Error != "" {
			fmt.Fprintf(os.Stderr, "%s: %s\n", r.Path, r.Error)
			continue
		}
		fmt.Printf("%s: %s\n", r.Path, r.Result.Text)
	}
	return failed, nil
}

func runDevices() error {
	if err := pamic.Init(); err != nil {
		return err
	}
	defer pamic.Terminate()
	devices, err := pamic.ListDevices()
	if err != nil {
		return err
	}
	for _, d := range devices {
		marker := " "
		if d.Default {
			marker = "*"
		}
		fmt.Printf("%s %s (%d ch, %.0f Hz)\n", marker, d.Name, d.MaxInputChannels, d.DefaultSampleRate)
	}
	return nil
}
