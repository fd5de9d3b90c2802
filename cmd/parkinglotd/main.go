// Command parkinglotd is a demo composition root: it is not part of the
// scheduler's stable surface (a library has no CLI), it exists to show
// one ResourcePool and one WorkerPool wired over a toy executor that
// simulates variable-cost GPU jobs, with the same /metrics and /health
// wiring style control_plane/main.go uses. /pool/stream pushes live
// worker-pool and mailbox updates over a WebSocket the way
// control_plane/ws_hub.go pushes dashboard metrics, instead of making a
// client poll /pool/mailbox.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowlot/parkinglot/config"
	"github.com/flowlot/parkinglot/executor"
	"github.com/flowlot/parkinglot/internal/metrics"
	"github.com/flowlot/parkinglot/mailbox"
	"github.com/flowlot/parkinglot/resourcepool"
	"github.com/flowlot/parkinglot/task"
	"github.com/flowlot/parkinglot/workerpool"
)

type jobPayload struct {
	Prompt string `json:"prompt"`
}

type jobResult struct {
	Tokens      int    `json:"tokens"`
	GeneratedBy string `json:"generated_by"`
}

// gpuSimulator stands in for real inference: it sleeps for a random
// 50-249 ms, independent of the task's requested cost, to exercise the
// scheduler's capacity accounting under variable-length work, the way a
// real LLM executor's latency varies with sequence length.
type gpuSimulator struct{}

func (gpuSimulator) Execute(ctx context.Context, payload jobPayload, meta executor.ExecMeta) (jobResult, error) {
	cost := 50 + rand.Intn(200)
	select {
	case <-time.After(time.Duration(cost) * time.Millisecond):
	case <-ctx.Done():
		return jobResult{}, ctx.Err()
	}
	return jobResult{Tokens: len(payload.Prompt) * 2, GeneratedBy: fmt.Sprintf("task-%d", meta.TaskID)}, nil
}

// streamUpdate is one push the stream hub sends a connected client: the
// worker pool's current counters plus, for a client that registered with
// a tenant filter, that tenant's newest mailbox messages.
type streamUpdate struct {
	Stats    workerpool.Stats          `json:"stats"`
	Messages []task.Message[jobResult] `json:"messages,omitempty"`
}

// streamHub is a minimal MetricsHub-style WebSocket broadcaster, grounded
// on control_plane/ws_hub.go and api_stream.go: a ticker loop polls the
// worker pool and a subscriber's mailbox filter and pushes updates to
// every registered client, so a dashboard doesn't have to poll
// /workers/stats or /pool/mailbox itself.
type streamHub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]string // conn -> tenant filter ("" = stats only)

	workers *workerpool.Pool[jobPayload, jobResult]
	mbox    mailbox.Mailbox[jobResult]
}

func newStreamHub(workers *workerpool.Pool[jobPayload, jobResult], mbox mailbox.Mailbox[jobResult]) *streamHub {
	return &streamHub{
		clients: make(map[*websocket.Conn]string),
		workers: workers,
		mbox:    mbox,
	}
}

func (h *streamHub) register(conn *websocket.Conn, tenant string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = tenant
}

func (h *streamHub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// run broadcasts once per tick until ctx is cancelled.
func (h *streamHub) run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.broadcast()
		}
	}
}

func (h *streamHub) broadcast() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := h.workers.Stats()
	for conn, tenant := range h.clients {
		update := streamUpdate{Stats: stats}
		if tenant != "" {
			if msgs, err := h.mbox.Fetch(task.MailboxKey{Tenant: tenant}, nil, 0); err == nil {
				if len(msgs) > 20 {
					msgs = msgs[len(msgs)-20:]
				}
				update.Messages = msgs
			}
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(update); err != nil {
			log.Printf("stream write error: %v", err)
			go h.unregister(conn)
		}
	}
}

var streamUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // local demo, no browser CORS restriction
}

// handleStream upgrades to WebSocket and registers the connection with
// hub, pushing periodic updates until the client disconnects.
func handleStream(hub *streamHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := streamUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("websocket upgrade failed: %v", err)
			return
		}
		tenant := r.URL.Query().Get("tenant")
		hub.register(conn, tenant)
		defer hub.unregister(conn)

		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})

		pingTicker := time.NewTicker(30 * time.Second)
		defer pingTicker.Stop()
		done := make(chan struct{})
		defer close(done)
		go func() {
			for {
				select {
				case <-done:
					return
				case <-pingTicker.C:
					if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
						return
					}
				}
			}
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				break
			}
		}
	}
}

func main() {
	reg := metrics.New(nil)

	poolCfg := config.DefaultPoolConfig()
	if v := os.Getenv("PARKINGLOT_MAX_UNITS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			poolCfg.MaxUnits = uint32(n)
		}
	}
	if err := poolCfg.Validate(); err != nil {
		log.Fatalf("invalid pool config: %v", err)
	}

	mbox := mailbox.NewMemory[jobResult]()
	pool := resourcepool.New(resourcepool.Options[jobPayload, jobResult]{
		Name:     "demo",
		Limits:   poolCfg,
		Executor: gpuSimulator{},
		Mailbox:  mbox,
		Metrics:  reg,
	})

	workerCfg := config.DefaultWorkerPoolConfig(runtime.NumCPU())
	if err := workerCfg.Validate(); err != nil {
		log.Fatalf("invalid worker pool config: %v", err)
	}
	workers := workerpool.New(workerpool.Options[jobPayload, jobResult]{
		Name:     "demo-workers",
		Config:   workerCfg,
		Executor: gpuSimulator{},
		Metrics:  reg,
	})

	hub := newStreamHub(workers, mbox)
	go hub.run(context.Background())

	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	http.HandleFunc("/pool/submit", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID       uint64 `json:"id"`
			Prompt   string `json:"prompt"`
			Priority int    `json:"priority"`
			Cost     uint32 `json:"cost"`
			Tenant   string `json:"tenant"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		key := task.MailboxKey{Tenant: req.Tenant}
		status, err := pool.Submit(jobPayload{Prompt: req.Prompt}, task.Metadata{
			ID:       req.ID,
			Priority: task.Priority(req.Priority),
			Cost:     task.ResourceCost{Kind: "gpu_vram_mb", Units: req.Cost},
			Mailbox:  &key,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": status.String()})
	})

	http.HandleFunc("/pool/mailbox", func(w http.ResponseWriter, r *http.Request) {
		key := task.MailboxKey{Tenant: r.URL.Query().Get("tenant")}
		msgs, err := mbox.Fetch(key, nil, 0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(msgs)
	})

	http.HandleFunc("/pool/stream", handleStream(hub))

	http.HandleFunc("/workers/submit", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string `json:"prompt"`
			Cost   uint32 `json:"cost"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		key, err := workers.Submit(jobPayload{Prompt: req.Prompt}, executor.ExecMeta{Priority: 0}, req.Cost)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"key": key.String()})
	})

	http.HandleFunc("/workers/stats", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(workers.Stats())
	})

	http.Handle("/metrics", promhttp.Handler())

	addr := os.Getenv("PARKINGLOTD_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	log.Printf("parkinglotd listening on %s (pool max_units=%d, workers=%d)",
		addr, poolCfg.MaxUnits, workerCfg.WorkerCount)
	log.Fatal(http.ListenAndServe(addr, nil))
}
