package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/peercall/internal/config"
)

// PromptInteractive walks through the settings a new endpoint usually needs.
// Empty answers keep the current value. An invalid result falls back to
// defaults.
func PromptInteractive(r io.Reader, w io.Writer, peerDir, cfgPath string, cfg config.Config) config.Config {
	in := bufio.NewReader(r)

	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "peercall interactive setup")
	fmt.Fprintf(w, " Peer folder : %s\n", peerDir)
	fmt.Fprintf(w, " Config file : %s\n", cfgPath)
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w)

	cfg.Viewer.HTTPAddr = askString(in, w, "Viewer HTTP addr (empty=off)", cfg.Viewer.HTTPAddr)

	cfg.Rendezvous.Host = askBool(in, w, "Run local rendezvous service", cfg.Rendezvous.Host)
	if cfg.Rendezvous.Host {
		cfg.Rendezvous.Port = askInt(in, w, "Rendezvous port", cfg.Rendezvous.Port)
		cfg.Rendezvous.Only = askBool(in, w, "Rendezvous-only (no call endpoint)", cfg.Rendezvous.Only)
	} else {
		cfg.Rendezvous.Only = false
	}

	if !cfg.Rendezvous.Only {
		cfg.Signaling.URL = askString(in, w, "Signaling URL", cfg.Signaling.URL)
		cfg.Media.Synthetic = askBool(in, w, "Synthetic media (no camera/microphone)", cfg.Media.Synthetic)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(w, "Invalid config: %v\nKeeping defaults.\n", err)
		return config.Default()
	}
	return cfg
}

func askString(in *bufio.Reader, w io.Writer, label, def string) string {
	fmt.Fprintf(w, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, w io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(w, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, convErr := strconv.Atoi(s); convErr == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, w io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(w, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter y or n.")
	}
}
