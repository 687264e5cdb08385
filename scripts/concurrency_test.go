//go:build ignore
// +build ignore

// Package main provides a manual concurrency stress test for the loan endpoint.
//
// Usage:
//
//	go run ./scripts/concurrency_test.go <book_id> <user1_id> [user2_id ...]
//
// Or use the convenience environment variables:
//
//	BOOK_ID=<uuid>  USER_IDS=<uuid1>,<uuid2>,...  go run ./scripts/concurrency_test.go
//
// What it does:
//  1. Reads the book's shelf count.
//  2. Fires N goroutines (one per user) all attempting to loan the same book simultaneously.
//  3. Checks that loans granted == copies on the shelf before the run (capped at N),
//     that everyone else got 409 out of stock, and that the book now reports
//     the remaining count.
//
// Prerequisites:
//   - Server must be running (go run ./cmd serve).
//   - The book and N users must exist.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

const defaultServerAddr = "http://localhost:8080"

type loanResult struct {
	UserID     string
	StatusCode int
	Body       string
	Err        error
}

type book struct {
	TotalCopies int  `json:"total_copies"`
	Available   bool `json:"available"`
}

func main() {
	serverAddr := os.Getenv("SERVER_URL")
	if serverAddr == "" {
		serverAddr = defaultServerAddr
	}

	bookID := os.Getenv("BOOK_ID")
	var userIDs []string
	if v := os.Getenv("USER_IDS"); v != "" {
		userIDs = strings.Split(v, ",")
	}
	args := os.Args[1:]
	if len(args) >= 1 {
		bookID = args[0]
	}
	if len(args) >= 2 {
		userIDs = args[1:]
	}

	if bookID == "" {
		log.Fatal("Usage: BOOK_ID=<uuid> USER_IDS=<u1,u2,...> go run ./scripts/concurrency_test.go\n" +
			"  or: go run ./scripts/concurrency_test.go <book_id> <user1_id> [user2_id ...]")
	}
	if len(userIDs) == 0 {
		log.Fatal("At least one user ID must be provided via USER_IDS env or positional args")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	before, err := fetchBook(client, serverAddr, bookID)
	if err != nil {
		log.Fatalf("fetch book: %v", err)
	}

	fmt.Printf("=== Loan Concurrency Test ===\n")
	fmt.Printf("Server : %s\n", serverAddr)
	fmt.Printf("Book   : %s (%d copies on shelf)\n", bookID, before.TotalCopies)
	fmt.Printf("Users  : %d\n\n", len(userIDs))

	due := time.Now().AddDate(0, 0, 14).Format("2006-01-02")
	results := make([]loanResult, len(userIDs))
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i, uid := range userIDs {
		wg.Add(1)
		go func(idx int, userID string) {
			defer wg.Done()
			<-start
			results[idx] = attemptLoan(client, serverAddr, bookID, strings.TrimSpace(userID), due)
		}(i, uid)
	}

	fmt.Println("Firing all requests simultaneously...")
	close(start)
	wg.Wait()
	fmt.Println("All requests completed.")

	var loans, outOfStock, failures int
	for _, r := range results {
		switch {
		case r.Err != nil:
			failures++
			fmt.Printf("  [ERR ] user=%-38s err=%v\n", r.UserID, r.Err)
		case r.StatusCode == http.StatusCreated:
			loans++
			fmt.Printf("  [LOAN] user=%-38s status=%d\n", r.UserID, r.StatusCode)
		case r.StatusCode == http.StatusConflict:
			outOfStock++
			fmt.Printf("  [FULL] user=%-38s status=%d\n", r.UserID, r.StatusCode)
		default:
			failures++
			fmt.Printf("  [FAIL] user=%-38s status=%d body=%s\n", r.UserID, r.StatusCode, r.Body)
		}
	}

	fmt.Printf("\n--- Summary ---\n")
	fmt.Printf("Loans        : %d\n", loans)
	fmt.Printf("Out of stock : %d\n", outOfStock)
	fmt.Printf("Failures     : %d\n", failures)
	fmt.Printf("Total        : %d\n\n", len(userIDs))

	after, err := fetchBook(client, serverAddr, bookID)
	if err != nil {
		log.Fatalf("fetch book: %v", err)
	}

	fmt.Println("--- Invariant Check ---")
	expected := before.TotalCopies
	if expected > len(userIDs) {
		expected = len(userIDs)
	}
	ok := true
	if loans != expected {
		fmt.Printf("[FAIL] expected %d loan(s), got %d\n", expected, loans)
		ok = false
	}
	if after.TotalCopies != before.TotalCopies-loans {
		fmt.Printf("[FAIL] shelf count %d, expected %d\n", after.TotalCopies, before.TotalCopies-loans)
		ok = false
	}
	if after.Available != (after.TotalCopies > 0) {
		fmt.Printf("[FAIL] available=%v with %d copies\n", after.Available, after.TotalCopies)
		ok = false
	}
	if ok {
		fmt.Println("[ OK ] loans granted match the shelf count and availability is consistent")
	}

	if failures > 0 || !ok {
		os.Exit(1)
	}
}

func fetchBook(client *http.Client, serverAddr, bookID string) (book, error) {
	var b book
	resp, err := client.Get(fmt.Sprintf("%s/books/%s", serverAddr, bookID))
	if err != nil {
		return b, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return b, fmt.Errorf("status %d", resp.StatusCode)
	}
	err = json.NewDecoder(resp.Body).Decode(&b)
	return b, err
}

// attemptLoan sends POST /books/{bookID}/loans for the given userID.
func attemptLoan(client *http.Client, serverAddr, bookID, userID, due string) loanResult {
	url := fmt.Sprintf("%s/books/%s/loans", serverAddr, bookID)
	body := fmt.Sprintf(`{"user_id":"%s","due_date":"%s"}`, userID, due)

	resp, err := client.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		return loanResult{UserID: userID, Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	return loanResult{UserID: userID, StatusCode: resp.StatusCode, Body: string(raw)}
}
