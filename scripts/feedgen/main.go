// Feed generator - appends synthetic trade lines to a feed file so the
// agents have something to follow.
//
// Usage:
//   go run scripts/feedgen/main.go [flags]
//
// Examples:
//   go run scripts/feedgen/main.go -path ./data/trades.csv -rate 100
//   go run scripts/feedgen/main.go -path ./data/trades.csv -rate 1000 -duration 60s
//   go run scripts/feedgen/main.go -path ./data/trades.csv -truncate -header

package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

var (
	path     = flag.String("path", "./trades.csv", "Feed file to append to")
	delim    = flag.String("delimiter", ",", "Field delimiter")
	rate     = flag.Int("rate", 10, "Lines per second")
	count    = flag.Int("count", 0, "Number of lines to write (0 = unlimited)")
	duration = flag.Duration("duration", 0, "Duration to run (0 = until count or Ctrl+C)")
	burst    = flag.Int("burst", 1, "Lines appended per tick")
	header   = flag.Bool("header", false, "Write a header line when the file is empty")
	truncate = flag.Bool("truncate", false, "Truncate the file before writing")
	verbose  = flag.Bool("verbose", false, "Verbose output")
)

var symbols = []string{"AAPL", "MSFT", "TSLA", "NVDA", "AMZN", "GOOG"}
var venues = []string{"XNAS", "XNYS", "ARCX", "BATS", "IEXG"}

func main() {
	flag.Parse()

	fmt.Printf("Tapetail Feed Generator\n")
	fmt.Printf("=======================\n")
	fmt.Printf("Path:     %s\n", *path)
	fmt.Printf("Rate:     %d lines/s\n", *rate)
	fmt.Printf("Burst:    %d lines/tick\n", *burst)
	if *count > 0 {
		fmt.Printf("Count:    %d lines\n", *count)
	}
	if *duration > 0 {
		fmt.Printf("Duration: %s\n", *duration)
	}
	fmt.Println()

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if *truncate {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	f, err := os.OpenFile(*path, flags, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Open error: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	if *header {
		info, err := f.Stat()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Stat error: %v\n", err)
			os.Exit(1)
		}
		if info.Size() == 0 {
			cols := []string{"ts", "symbol", "side", "px", "qty", "venue"}
			if _, err := f.WriteString(strings.Join(cols, *delim) + "\n"); err != nil {
				fmt.Fprintf(os.Stderr, "Write error: %v\n", err)
				os.Exit(1)
			}
		}
	}

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Stats
	var written int64
	startTime := time.Now()

	// Setup rate limiting
	interval := time.Second / time.Duration(*rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Setup duration timer if specified
	var durationTimer <-chan time.Time
	if *duration > 0 {
		durationTimer = time.After(*duration)
	}

	// Random walk per symbol so prices look plausible across lines
	prices := map[string]float64{
		"AAPL": 187.25, "MSFT": 425.10, "TSLA": 244.50,
		"NVDA": 118.75, "AMZN": 178.30, "GOOG": 165.40,
	}

	fmt.Println("Appending lines... (Ctrl+C to stop)")

	running := true

	for running {
		select {
		case <-sigCh:
			fmt.Println("\nReceived shutdown signal")
			running = false

		case <-durationTimer:
			fmt.Println("\nDuration reached")
			running = false

		case <-ticker.C:
			var sb strings.Builder
			for i := 0; i < *burst; i++ {
				sb.WriteString(tradeLine(prices, *delim))
				sb.WriteByte('\n')
			}

			if _, err := f.WriteString(sb.String()); err != nil {
				fmt.Fprintf(os.Stderr, "Write error: %v\n", err)
				os.Exit(1)
			}
			written += int64(*burst)

			if *verbose {
				fmt.Printf("Wrote %d lines (%d total)\n", *burst, written)
			}

			// Check count limit
			if *count > 0 && written >= int64(*count) {
				fmt.Println("\nLine count reached")
				running = false
			}
		}
	}

	// Print stats
	elapsed := time.Since(startTime)

	fmt.Printf("\n")
	fmt.Printf("Summary\n")
	fmt.Printf("=======\n")
	fmt.Printf("Duration:   %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Lines:      %d\n", written)
	fmt.Printf("Throughput: %.1f lines/s\n", float64(written)/elapsed.Seconds())
}

// tradeLine renders one synthetic trade and advances the price walk.
func tradeLine(prices map[string]float64, delim string) string {
	sym := symbols[rand.Intn(len(symbols))]

	// Drift the price up to half a percent either way
	px := prices[sym] * (1 + (rand.Float64()-0.5)/100)
	prices[sym] = px

	side := "buy"
	if rand.Intn(2) == 1 {
		side = "sell"
	}

	fields := []string{
		fmt.Sprintf("%d", time.Now().UnixMicro()),
		sym,
		side,
		fmt.Sprintf("%.2f", px),
		fmt.Sprintf("%d", rand.Intn(900)+100),
		venues[rand.Intn(len(venues))],
	}
	return strings.Join(fields, delim)
}
