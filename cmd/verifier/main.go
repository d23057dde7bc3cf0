// Command verifier consumes the bot's published event streams and
// checks the delivery guarantees hold from the outside: every event id
// appears once, no order emits events after a terminal state, and
// fills never exceed the order quantity.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/primetrades/primetrades/internal/logging"
	"github.com/primetrades/primetrades/internal/msg"
)

const qtyEpsilon = 1e-9

var terminalStates = map[string]bool{
	"FILLED":    true,
	"CANCELLED": true,
	"REJECTED":  true,
	"EXPIRED":   true,
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <duration_seconds> [brokers]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Example: %s 30 127.0.0.1:9092\n", os.Args[0])
		os.Exit(1)
	}

	var durationSeconds int
	if _, err := fmt.Sscanf(os.Args[1], "%d", &durationSeconds); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid duration: %v\n", err)
		os.Exit(1)
	}

	brokers := "127.0.0.1:9092"
	if len(os.Args) >= 3 {
		brokers = os.Args[2]
	}

	logger, err := logging.NewLogger("verifier", "info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	brokerList := strings.Split(brokers, ",")
	for i := range brokerList {
		brokerList[i] = strings.TrimSpace(brokerList[i])
	}

	logger.Info("starting event verifier",
		zap.Int("duration_seconds", durationSeconds),
		zap.Strings("brokers", brokerList),
	)

	consumer, err := msg.NewConsumer(brokerList, "verifier-v1",
		[]string{msg.TopicOrderEvents, msg.TopicFillEvents}, logger)
	if err != nil {
		logger.Fatal("failed to create consumer", zap.Error(err))
	}
	defer consumer.Close()

	var (
		totalEvents     int
		eventIDCounts   = make(map[string]int)     // event_id -> occurrences
		orderQty        = make(map[string]float64) // client_id -> order qty
		filledQty       = make(map[string]float64) // client_id -> summed fill qty
		terminalAt      = make(map[string]string)  // client_id -> terminal state
		afterTerminal   []string
		sampleDuplicate string
	)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(durationSeconds)*time.Second)
	defer cancel()

	err = consumer.Run(ctx, func(ctx context.Context, rec msg.Record) error {
		totalEvents++
		switch rec.Topic {
		case msg.TopicOrderEvents:
			var ev msg.OrderEventMsg
			if err := json.Unmarshal(rec.Value, &ev); err != nil {
				logger.Warn("failed to unmarshal order event", zap.Error(err))
				return nil
			}
			eventIDCounts[ev.EventID]++
			if eventIDCounts[ev.EventID] > 1 && sampleDuplicate == "" {
				sampleDuplicate = ev.EventID
			}
			if ev.Qty > orderQty[ev.ClientID] {
				orderQty[ev.ClientID] = ev.Qty
			}
			// Events for one order share a key, so they arrive in
			// order within the topic.
			if prev, done := terminalAt[ev.ClientID]; done {
				afterTerminal = append(afterTerminal,
					fmt.Sprintf("%s: %s after %s", ev.ClientID, ev.State, prev))
			} else if terminalStates[ev.State] {
				terminalAt[ev.ClientID] = ev.State
			}

		case msg.TopicFillEvents:
			var ev msg.FillEventMsg
			if err := json.Unmarshal(rec.Value, &ev); err != nil {
				logger.Warn("failed to unmarshal fill event", zap.Error(err))
				return nil
			}
			eventIDCounts[ev.EventID]++
			if eventIDCounts[ev.EventID] > 1 && sampleDuplicate == "" {
				sampleDuplicate = ev.EventID
			}
			filledQty[ev.ClientID] += ev.Qty
		}
		return nil
	})
	if err != nil && err != context.DeadlineExceeded && ctx.Err() == nil {
		logger.Error("consumer error", zap.Error(err))
	}

	duplicates := 0
	for _, n := range eventIDCounts {
		if n > 1 {
			duplicates++
		}
	}

	var overfills []string
	for clientID, filled := range filledQty {
		qty, known := orderQty[clientID]
		if !known {
			// The order event may sit outside the consumption window.
			continue
		}
		if filled > qty+qtyEpsilon {
			overfills = append(overfills,
				fmt.Sprintf("%s: filled %v of %v", clientID, filled, qty))
		}
	}

	fmt.Println("\n=== Verification Results ===")
	fmt.Printf("Total events consumed: %d\n", totalEvents)
	fmt.Printf("Unique event IDs: %d\n", len(eventIDCounts))
	fmt.Printf("Orders observed: %d\n", len(orderQty))
	fmt.Printf("Duplicate event IDs: %d\n", duplicates)
	fmt.Printf("Events after terminal state: %d\n", len(afterTerminal))
	fmt.Printf("Overfilled orders: %d\n", len(overfills))

	failed := false
	if duplicates > 0 {
		failed = true
		fmt.Printf("\nFAIL: duplicate event ids detected (e.g. %s)\n", sampleDuplicate)
	}
	if len(afterTerminal) > 0 {
		failed = true
		fmt.Println("\nFAIL: events published after a terminal state:")
		for _, v := range afterTerminal {
			fmt.Printf("  %s\n", v)
		}
	}
	if len(overfills) > 0 {
		failed = true
		fmt.Println("\nFAIL: fills exceed order quantity:")
		for _, v := range overfills {
			fmt.Printf("  %s\n", v)
		}
	}

	if failed {
		fmt.Println("\nVERIFICATION FAILED")
		os.Exit(1)
	}
	fmt.Println("\nVERIFICATION PASSED")
}
