// Command simulate_provider stands in for the voice provider during local
// development. In listen mode it serves the provider dispatch API: point the
// service at it with VAPI_BASE_URL, and every accepted call is answered and
// then driven through ringing, in-progress and end-of-call webhooks, signed
// the way the real provider signs them. With -call it instead replays the
// webhook sequence for one existing call, which is handy for poking at
// settlement idempotency by hand.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/voxflow/backend/internal/auth"
)

var (
	base     = flag.String("base", "http://localhost:8080", "Orchestration service base URL")
	listen   = flag.String("listen", ":9090", "Fake provider listen address")
	secret   = flag.String("secret", os.Getenv("PROVIDER_WEBHOOK_SECRET"), "Webhook HMAC secret")
	callID   = flag.String("call", "", "Replay webhooks for this existing call log id instead of serving")
	tenantID = flag.String("tenant", "", "Tenant id for -call replay mode")
	duration = flag.Int("duration", 95, "Reported call duration in seconds")
	reason   = flag.String("reason", "customer-ended-call", "Reported ended reason")
	pace     = flag.Duration("pace", 2*time.Second, "Delay between lifecycle webhooks")
)

var seq atomic.Int64

func main() {
	flag.Parse()
	if *secret == "" {
		log.Fatal("webhook secret is required: pass -secret or set PROVIDER_WEBHOOK_SECRET")
	}

	if *callID != "" {
		if *tenantID == "" {
			log.Fatal("-call replay mode also needs -tenant")
		}
		md := map[string]any{"call_log_id": *callID, "tenant_id": *tenantID}
		ref := nextRef()
		fmt.Printf("📞 Replaying provider lifecycle for call %s\n", *callID)
		playLifecycle(ref, md)
		return
	}

	http.HandleFunc("/call", handleDispatch)
	fmt.Printf("🤖 Fake provider listening on %s\n", *listen)
	fmt.Printf("   Start the service with VAPI_BASE_URL=http://localhost%s\n", *listen)
	log.Fatal(http.ListenAndServe(*listen, nil))
}

// handleDispatch accepts the dispatch request the service sends a real
// provider, answers like one, and kicks off the webhook lifecycle with the
// metadata echoed back, which is how callbacks find their call log.
func handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AssistantID string `json:"assistantId"`
		Customer    struct {
			Number string `json:"number"`
		} `json:"customer"`
		Metadata map[string]any `json:"metadata"`
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "bad dispatch body", http.StatusBadRequest)
		return
	}

	ref := nextRef()
	fmt.Printf("📞 Dispatch accepted: %s -> %s (%s)\n", req.AssistantID, req.Customer.Number, ref)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"id": ref, "status": "queued"})

	go playLifecycle(ref, req.Metadata)
}

// playLifecycle delivers the webhook sequence a completed call produces.
func playLifecycle(ref string, metadata map[string]any) {
	time.Sleep(*pace)
	fmt.Printf("📡 %s: ringing\n", ref)
	sendWebhook(statusUpdate(ref, metadata, "ringing"))

	time.Sleep(*pace)
	fmt.Printf("📡 %s: in-progress\n", ref)
	sendWebhook(statusUpdate(ref, metadata, "in-progress"))

	time.Sleep(*pace)
	fmt.Printf("📡 %s: ended (%s, %ds)\n", ref, *reason, *duration)
	sendWebhook(endOfCallReport(ref, metadata))
}

func statusUpdate(ref string, metadata map[string]any, status string) map[string]any {
	return map[string]any{
		"message": map[string]any{
			"type":   "status-update",
			"status": status,
			"call":   map[string]any{"id": ref, "metadata": metadata},
		},
	}
}

func endOfCallReport(ref string, metadata map[string]any) map[string]any {
	return map[string]any{
		"message": map[string]any{
			"type":            "end-of-call-report",
			"endedReason":     *reason,
			"durationSeconds": *duration,
			"recordingUrl":    fmt.Sprintf("https://recordings.example.com/%s.wav", ref),
			"call":            map[string]any{"id": ref, "metadata": metadata},
		},
	}
}

func sendWebhook(payload map[string]any) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("❌ marshal webhook: %v", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, *base+"/webhooks/provider/vapi", bytes.NewReader(body))
	if err != nil {
		log.Printf("❌ build webhook request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.SignatureHeader, "sha256="+auth.SignPayload(body, *secret))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Printf("❌ deliver webhook: %v", err)
		return
	}
	defer resp.Body.Close()
	reply, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	fmt.Printf("   ← %d %s\n", resp.StatusCode, bytes.TrimSpace(reply))
}

func nextRef() string {
	return fmt.Sprintf("sim-%d-%d", time.Now().Unix(), seq.Add(1))
}
