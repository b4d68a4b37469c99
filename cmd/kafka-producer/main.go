package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

// InvalidationEvent mirrors the message format consumed by the map service
type InvalidationEvent struct {
	EventID   string `json:"event_id"`
	WorldID   int64  `json:"world_id"`
	Kind      string `json:"kind"`
	VillageID int64  `json:"village_id,omitempty"`
}

var kinds = []string{"command", "village_change", "diplomacy_change"}

// randomEvent produces a synthetic mutation signal. Commands dominate real
// traffic, so the distribution is skewed the same way.
func randomEvent(worldID int64, villages int64) InvalidationEvent {
	event := InvalidationEvent{
		EventID: uuid.New().String(),
		WorldID: worldID,
	}
	switch r := rand.Intn(10); {
	case r < 6:
		event.Kind = kinds[0]
	case r < 9:
		event.Kind = kinds[1]
		event.VillageID = rand.Int63n(villages) + 1
	default:
		event.Kind = kinds[2]
	}
	return event
}

func main() {
	// Command line flags
	brokers := flag.String("brokers", "localhost:9094", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "map-invalidations", "Kafka topic")
	worldID := flag.Int64("world", 1, "World ID to invalidate")
	villages := flag.Int64("villages", 1000, "Village ID range for village_change events")
	eventsPerSecond := flag.Int("rate", 50, "Events per second")
	duration := flag.Duration("duration", 0, "Duration to run (0 = forever)")
	flag.Parse()

	brokerList := strings.Split(*brokers, ",")

	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("  🗺  Map Invalidation Producer")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("  Brokers:          %s\n", *brokers)
	fmt.Printf("  Topic:            %s\n", *topic)
	fmt.Printf("  World:            %d\n", *worldID)
	fmt.Printf("  Events/sec:       %d\n", *eventsPerSecond)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	// Configure Sarama producer
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	// Create producer
	producer, err := sarama.NewAsyncProducer(brokerList, config)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}
	defer producer.Close()

	var sent, failed atomic.Int64

	go func() {
		for range producer.Successes() {
			sent.Add(1)
		}
	}()
	go func() {
		for err := range producer.Errors() {
			failed.Add(1)
			log.Printf("produce error: %v", err.Err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var deadline <-chan time.Time
	if *duration > 0 {
		deadline = time.After(*duration)
	}

	ticker := time.NewTicker(time.Second / time.Duration(*eventsPerSecond))
	defer ticker.Stop()

	stats := time.NewTicker(5 * time.Second)
	defer stats.Stop()

	fmt.Println("Producing events... (Ctrl+C to stop)")
	for {
		select {
		case <-quit:
			fmt.Printf("\nDone. sent=%d failed=%d\n", sent.Load(), failed.Load())
			return
		case <-deadline:
			fmt.Printf("\nDone. sent=%d failed=%d\n", sent.Load(), failed.Load())
			return
		case <-stats.C:
			fmt.Printf("  sent=%d failed=%d\n", sent.Load(), failed.Load())
		case <-ticker.C:
			event := randomEvent(*worldID, *villages)
			value, err := json.Marshal(event)
			if err != nil {
				log.Printf("marshal error: %v", err)
				continue
			}
			producer.Input() <- &sarama.ProducerMessage{
				Topic: *topic,
				Key:   sarama.StringEncoder(fmt.Sprintf("%d", event.WorldID)),
				Value: sarama.ByteEncoder(value),
			}
		}
	}
}
