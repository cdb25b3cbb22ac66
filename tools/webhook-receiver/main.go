// webhook-receiver is a local test endpoint for prelist notifications.
// It records every delivery, verifies the HMAC signature when
// WEBHOOK_SECRET is set, and exposes the capture over /stats.
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

type delivery struct {
	Timestamp      string `json:"timestamp"`
	DeliveryID     string `json:"delivery_id"`
	NotificationID string `json:"notification_id"`
	Event          string `json:"event"`
	SignatureOK    *bool  `json:"signature_ok,omitempty"`
	Body           string `json:"body"`
}

type stats struct {
	Count          int64      `json:"count"`
	BadSignatures  int64      `json:"bad_signatures"`
	LastDeliveries []delivery `json:"last_deliveries"`
	Since          string     `json:"since"`
}

var (
	mu             sync.Mutex
	count          int64
	badSignatures  int64
	lastDeliveries []delivery
	since          time.Time
	maxStored      = 50

	secret string
)

func main() {
	since = time.Now().UTC()
	secret = os.Getenv("WEBHOOK_SECRET")

	addr := ":8080"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}

	http.HandleFunc("/hook", hookHandler)
	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		count = 0
		badSignatures = 0
		lastDeliveries = nil
		since = time.Now().UTC()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	if secret == "" {
		log.Println("webhook-receiver: WEBHOOK_SECRET not set; signatures not verified")
	}
	log.Printf("webhook-receiver listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func hookHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	var payload struct {
		Event string `json:"event"`
	}
	_ = json.Unmarshal(body, &payload)

	d := delivery{
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		DeliveryID:     r.Header.Get("X-Prelist-Delivery-ID"),
		NotificationID: r.Header.Get("X-Prelist-Notification-ID"),
		Event:          payload.Event,
		Body:           string(body),
	}

	if secret != "" {
		ok := verifySignature(body, r.Header.Get("X-Prelist-Signature"))
		d.SignatureOK = &ok
		if !ok {
			mu.Lock()
			badSignatures++
			mu.Unlock()
			log.Printf("hook: BAD SIGNATURE delivery=%s event=%s", d.DeliveryID, d.Event)
		}
	}

	mu.Lock()
	count++
	lastDeliveries = append(lastDeliveries, d)
	if len(lastDeliveries) > maxStored {
		lastDeliveries = lastDeliveries[len(lastDeliveries)-maxStored:]
	}
	current := count
	mu.Unlock()

	log.Printf("hook received #%d: event=%s delivery=%s", current, d.Event, d.DeliveryID)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"received":%d}`, current)
}

func verifySignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	s := stats{
		Count:          count,
		BadSignatures:  badSignatures,
		LastDeliveries: lastDeliveries,
		Since:          since.Format(time.RFC3339),
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}
