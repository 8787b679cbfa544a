// Debug consumer - subscribes to Tapetail feed topics and decodes the
// published batches.
//
// Usage:
//   go run scripts/mqtt/consumer.go [flags]
//
// Examples:
//   go run scripts/mqtt/consumer.go -broker tcp://localhost:1883 -topic feeds/#
//   go run scripts/mqtt/consumer.go -broker tcp://localhost:1883 -topic feeds/trades -verbose

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/klauspost/compress/gzip"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	broker   = flag.String("broker", "tcp://localhost:1883", "MQTT broker URL")
	clientID = flag.String("client", "tapetail-debug-consumer", "MQTT client ID")
	topic    = flag.String("topic", "feeds/#", "Topic to subscribe to (supports wildcards)")
	qos      = flag.Int("qos", 1, "QoS level (0, 1, or 2)")
	username = flag.String("username", "", "MQTT username")
	password = flag.String("password", "", "MQTT password")
	verbose  = flag.Bool("verbose", false, "Show decoded records")
	stats    = flag.Duration("stats", 5*time.Second, "Stats reporting interval")
)

var (
	messagesReceived int64
	recordsReceived  int64
	bytesReceived    int64
	lastCount        int64
	lastRecords      int64
	startTime        time.Time
)

func main() {
	flag.Parse()

	fmt.Printf("Tapetail Debug Consumer\n")
	fmt.Printf("=======================\n")
	fmt.Printf("Broker:  %s\n", *broker)
	fmt.Printf("Topic:   %s\n", *topic)
	fmt.Printf("QoS:     %d\n", *qos)
	fmt.Println()

	// Create MQTT client options
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(*broker)
	opts.SetClientID(*clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)

	if *username != "" {
		opts.SetUsername(*username)
		opts.SetPassword(*password)
	}

	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		fmt.Println("Connected to broker")
		// Subscribe on connect (and reconnect)
		token := c.Subscribe(*topic, byte(*qos), messageHandler)
		if token.WaitTimeout(10*time.Second) && token.Error() == nil {
			fmt.Printf("Subscribed to: %s\n", *topic)
		} else {
			fmt.Printf("Subscribe error: %v\n", token.Error())
		}
	})

	opts.SetConnectionLostHandler(func(c pahomqtt.Client, err error) {
		fmt.Printf("Connection lost: %v\n", err)
	})

	// Connect
	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		fmt.Fprintf(os.Stderr, "Connection timeout\n")
		os.Exit(1)
	}
	if err := token.Error(); err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(1)
	}

	defer client.Disconnect(1000)

	startTime = time.Now()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Stats ticker
	statsTicker := time.NewTicker(*stats)
	defer statsTicker.Stop()

	fmt.Println("\nWaiting for batches... (Ctrl+C to stop)")

	for {
		select {
		case <-sigCh:
			fmt.Println("\nReceived shutdown signal")
			printFinalStats()
			return

		case <-statsTicker.C:
			printStats()
		}
	}
}

func messageHandler(client pahomqtt.Client, msg pahomqtt.Message) {
	atomic.AddInt64(&messagesReceived, 1)
	atomic.AddInt64(&bytesReceived, int64(len(msg.Payload())))

	payload := msg.Payload()

	// Batches are gzip-compressed unless the agent disabled it
	if len(payload) >= 2 && payload[0] == 0x1f && payload[1] == 0x8b {
		r, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			fmt.Printf("gunzip error on %s: %v\n", msg.Topic(), err)
			return
		}
		decompressed, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			fmt.Printf("gunzip error on %s: %v\n", msg.Topic(), err)
			return
		}
		payload = decompressed
	}

	records, format := decodeBatch(payload)
	atomic.AddInt64(&recordsReceived, int64(len(records)))

	if *verbose {
		fmt.Printf("\n--- Batch on %s ---\n", msg.Topic())
		fmt.Printf("Size:    %d bytes (%d decoded)\n", len(msg.Payload()), len(payload))
		fmt.Printf("Format:  %s\n", format)
		fmt.Printf("Records: %d\n", len(records))
		for _, rec := range records {
			pretty, _ := json.Marshal(rec)
			fmt.Printf("  %s\n", string(pretty))
		}
	}
}

// decodeBatch decodes a batch in either wire encoding: a MessagePack
// stream or JSON Lines, one record per document.
func decodeBatch(payload []byte) ([]map[string]interface{}, string) {
	// Try msgpack first
	var records []map[string]interface{}
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	for {
		var rec map[string]interface{}
		err := dec.Decode(&rec)
		if err == io.EOF {
			return records, "msgpack"
		}
		if err != nil {
			break
		}
		records = append(records, rec)
	}

	// JSON Lines
	records = records[:0]
	jdec := json.NewDecoder(bytes.NewReader(payload))
	for {
		var rec map[string]interface{}
		err := jdec.Decode(&rec)
		if err == io.EOF {
			return records, "jsonl"
		}
		if err != nil {
			return records, "unknown"
		}
		records = append(records, rec)
	}
}

func printStats() {
	count := atomic.LoadInt64(&messagesReceived)
	records := atomic.LoadInt64(&recordsReceived)
	bytes := atomic.LoadInt64(&bytesReceived)

	deltaCount := count - lastCount
	deltaRecords := records - lastRecords

	fmt.Printf("[%s] Batches: %d (+%d) | Records: %d (+%d) | %.1f rec/s | %.1f KB total\n",
		time.Now().Format("15:04:05"),
		count,
		deltaCount,
		records,
		deltaRecords,
		float64(deltaRecords)/stats.Seconds(),
		float64(bytes)/1024)

	lastCount = count
	lastRecords = records
}

func printFinalStats() {
	elapsed := time.Since(startTime)
	count := atomic.LoadInt64(&messagesReceived)
	records := atomic.LoadInt64(&recordsReceived)
	bytes := atomic.LoadInt64(&bytesReceived)

	fmt.Printf("\n")
	fmt.Printf("Summary\n")
	fmt.Printf("=======\n")
	fmt.Printf("Duration: %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Batches:  %d\n", count)
	fmt.Printf("Records:  %d\n", records)
	fmt.Printf("Bytes:    %d (%.2f MB)\n", bytes, float64(bytes)/(1024*1024))
	fmt.Printf("Rate:     %.1f rec/s\n", float64(records)/elapsed.Seconds())
}
