package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const simulatorPassword = "simulator-password"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// Global flags
	apiURL := "http://localhost:8080"
	if envURL := os.Getenv("API_URL"); envURL != "" {
		apiURL = envURL
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "devices":
		devicesCmd(apiURL, args)
	case "race":
		raceCmd(apiURL, args)
	case "reuse":
		reuseCmd(apiURL, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Session Simulator - Development tool for exercising the session lifecycle

USAGE:
  simulator <command> [options]

COMMANDS:
  devices   Log one account in from many devices and show which sessions are kept
  race      Refresh the same session secret concurrently; exactly one should win
  reuse     Rotate a session, then replay the old secret
  help      Show this help message

ENVIRONMENT:
  API_URL   Backend API URL (default: http://localhost:8080)

EXAMPLES:
  # Log in from 25 devices against the default cap of 20
  simulator devices --count=25

  # Fire 16 concurrent refreshes with one secret
  simulator race --workers=16`)
}

// newAccount registers a throwaway account and returns its first session.
func newAccount(apiURL string) (*APIClient, string, *AuthResponse) {
	client := NewAPIClient(apiURL, "device-0")
	email := fmt.Sprintf("sim_%d@example.com", time.Now().UnixNano())

	fmt.Print("Registering account... ")
	auth, err := client.Register("Simulator", email, simulatorPassword)
	if err != nil {
		fmt.Printf("FAILED\n  Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("OK (%s)\n", auth.User.Email)
	return client, email, auth
}

func devicesCmd(apiURL string, args []string) {
	fs := flag.NewFlagSet("devices", flag.ExitOnError)
	count := fs.Int("count", 25, "Number of extra device logins")
	revokeFirst := fs.Int("revoke", 3, "Revoke this many of the first sessions before logging in the rest")
	fs.Parse(args)

	_, email, auth := newAccount(apiURL)

	fmt.Println()
	fmt.Printf("Logging in from %d devices:\n", *count)

	var last *AuthResponse
	for i := 1; i <= *count; i++ {
		device := NewAPIClient(apiURL, fmt.Sprintf("device-%d", i))
		login, err := device.Login(email, simulatorPassword)
		if err != nil {
			fmt.Printf("  [%d/%d] FAILED: %v\n", i, *count, err)
			os.Exit(1)
		}
		last = login

		// Rotating a session retires its record, which the default policy
		// evicts before any active one.
		if i <= *revokeFirst {
			if _, err := device.RefreshWith(login.Secret); err != nil {
				fmt.Printf("  [%d/%d] FAILED to rotate: %v\n", i, *count, err)
				os.Exit(1)
			}
		}
	}
	fmt.Println("  done")

	sessions, err := NewAPIClient(apiURL, "viewer").Sessions(last.AccessToken)
	if err != nil {
		fmt.Printf("Failed to list sessions: %v\n", err)
		os.Exit(1)
	}

	active := 0
	for _, s := range sessions {
		if s.Active {
			active++
		}
	}

	fmt.Println()
	fmt.Println("=========================================")
	fmt.Printf("  %d SESSIONS RETAINED (%d active)\n", len(sessions), active)
	fmt.Println("=========================================")
	for _, s := range sessions {
		state := "active"
		if !s.Active {
			state = "inactive"
		}
		fmt.Printf("  %s  %-22s %s\n", s.ID, s.UserAgent, state)
	}
	if sessionRetained(sessions, auth.SessionID) {
		fmt.Println("\n  The registration session survived.")
	} else {
		fmt.Println("\n  The registration session was evicted.")
	}
}

func sessionRetained(sessions []Session, id string) bool {
	for _, s := range sessions {
		if s.ID == id {
			return true
		}
	}
	return false
}

func raceCmd(apiURL string, args []string) {
	fs := flag.NewFlagSet("race", flag.ExitOnError)
	workers := fs.Int("workers", 8, "Concurrent refresh attempts")
	fs.Parse(args)

	_, _, auth := newAccount(apiURL)

	var wins, rejected atomic.Int32
	var g errgroup.Group
	start := make(chan struct{})
	for i := 0; i < *workers; i++ {
		device := NewAPIClient(apiURL, fmt.Sprintf("racer-%d", i))
		g.Go(func() error {
			<-start
			_, err := device.RefreshWith(auth.Secret)
			var statusErr *StatusError
			switch {
			case err == nil:
				wins.Add(1)
			case errors.As(err, &statusErr) && statusErr.Status == http.StatusUnauthorized:
				rejected.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	close(start)

	if err := g.Wait(); err != nil {
		fmt.Printf("Refresh failed unexpectedly: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Printf("  %d refresh succeeded, %d rejected\n", wins.Load(), rejected.Load())
	if wins.Load() != 1 {
		fmt.Println("  UNEXPECTED: one secret produced more than one successor")
		os.Exit(1)
	}
}

func reuseCmd(apiURL string, args []string) {
	fs := flag.NewFlagSet("reuse", flag.ExitOnError)
	fs.Parse(args)

	client, _, auth := newAccount(apiURL)

	fmt.Print("Rotating session... ")
	rotated, err := client.RefreshWith(auth.Secret)
	if err != nil {
		fmt.Printf("FAILED\n  Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("OK")

	fmt.Print("Replaying the old secret... ")
	if _, err := client.RefreshWith(auth.Secret); err == nil {
		fmt.Println("ACCEPTED (unexpected)")
		os.Exit(1)
	}
	fmt.Println("rejected")

	fmt.Print("Using the rotated secret... ")
	if _, err := client.RefreshWith(rotated.Secret); err != nil {
		fmt.Println("rejected (reuse detection revoked the successor)")
		return
	}
	fmt.Println("accepted (reuse detection is off, or the replay fell inside its grace window)")
}
