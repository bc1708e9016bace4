package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rl1809/orderflow/internal/adapter/handler"
	"github.com/rl1809/orderflow/internal/core/domain"
)

func main() {
	var (
		baseURL     string
		token       string
		concurrency int
		requests    int
		replays     int
	)

	cmd := &cobra.Command{
		Use:          "stress_test",
		Short:        "Fire concurrent order creations at a running server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if token == "" {
				return fmt.Errorf("--token is required (issue one with `orderflow session create`)")
			}
			return run(baseURL, token, concurrency, requests, replays)
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:8080", "server base URL")
	cmd.Flags().StringVar(&token, "token", "", "bearer token")
	cmd.Flags().IntVar(&concurrency, "concurrency", 20, "parallel clients")
	cmd.Flags().IntVar(&requests, "requests", 200, "distinct orders to create")
	cmd.Flags().IntVar(&replays, "replays", 2, "times each request is sent with the same Idempotency-Key")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(baseURL, token string, concurrency, requests, replays int) error {
	body, err := json.Marshal(handler.CreateOrderRequest{Items: []domain.OrderItem{
		{ProductID: "sku-1", Quantity: 2, UnitPrice: 500},
		{ProductID: "sku-2", Quantity: 1, UnitPrice: 300},
	}})
	if err != nil {
		return err
	}
	if replays < 1 {
		replays = 1
	}

	client := &http.Client{Timeout: 10 * time.Second}
	var (
		created    atomic.Int32
		replayed   atomic.Int32
		conflicted atomic.Int32
		failed     atomic.Int32
	)

	work := make(chan string)
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for key := range work {
				seen := map[string]bool{}
				for r := 0; r < replays; r++ {
					status, orderID, err := post(client, baseURL, token, key, body)
					switch {
					case err != nil || status >= http.StatusInternalServerError:
						failed.Add(1)
					case status == http.StatusConflict:
						conflicted.Add(1)
					case status == http.StatusCreated && r == 0:
						created.Add(1)
						seen[orderID] = true
					case status == http.StatusCreated && seen[orderID]:
						replayed.Add(1)
					default:
						failed.Add(1)
					}
				}
			}
		}()
	}
	for i := 0; i < requests; i++ {
		work <- uuid.NewString()
	}
	close(work)
	wg.Wait()
	elapsed := time.Since(start)

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Distinct Requests: %d (x%d)\n", requests, replays)
	fmt.Printf("Created:           %d\n", created.Load())
	fmt.Printf("Replays Matched:   %d\n", replayed.Load())
	fmt.Printf("Replays In Flight: %d\n", conflicted.Load())
	fmt.Printf("Failed:            %d\n", failed.Load())
	fmt.Printf("Duration:          %v\n", elapsed)
	fmt.Println("==========================================")

	if int(created.Load()) == requests && failed.Load() == 0 {
		fmt.Println("PASS: every request created exactly one order")
		return nil
	}
	return fmt.Errorf("FAIL: expected %d orders, got %d with %d failures", requests, created.Load(), failed.Load())
}

func post(client *http.Client, baseURL, token, key string, body []byte) (int, string, error) {
	req, err := http.NewRequest(http.MethodPost, baseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", key)

	resp, err := client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	var order domain.Order
	if resp.StatusCode == http.StatusCreated {
		if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
			return resp.StatusCode, "", err
		}
	}
	return resp.StatusCode, order.ID, nil
}
