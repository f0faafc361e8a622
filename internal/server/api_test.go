package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/turnstream/internal/server"
	"github.com/opencode-ai/turnstream/internal/session"
	"github.com/opencode-ai/turnstream/internal/telemetry"
	"github.com/opencode-ai/turnstream/pkg/types"
)

var _ = Describe("Turnstream API", func() {
	var st *stack

	BeforeEach(func() {
		st = startStack(GinkgoT().TempDir())
	})

	AfterEach(func() {
		st.stop()
	})

	createSession := func(input string) string {
		body, err := json.Marshal(session.CreateRequest{ConversationScope: "conv-1", UserInput: input})
		Expect(err).NotTo(HaveOccurred())

		resp, err := http.Post(st.ts.URL+"/session", "application/json", bytes.NewReader(body))
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))

		var created server.CreateSessionResponse
		Expect(json.NewDecoder(resp.Body).Decode(&created)).To(Succeed())
		Expect(created.SessionID).NotTo(BeEmpty())
		return created.SessionID
	}

	readStream := func(id string) []types.Event {
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(st.ts.URL + "/session/" + id + "/event")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.Header.Get("Content-Type")).To(HavePrefix("text/event-stream"))

		var events []types.Event
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev types.Event
			Expect(json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev)).To(Succeed())
			events = append(events, ev)
		}
		return events
	}

	waitDone := func(id string) {
		done, err := st.manager.Done(id)
		Expect(err).NotTo(HaveOccurred())
		Eventually(done).WithTimeout(5 * time.Second).Should(BeClosed())
	}

	Describe("GET /health", func() {
		It("reports ok", func() {
			resp, err := http.Get(st.ts.URL + "/health")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("POST /session", func() {
		It("rejects a request without user input", func() {
			resp, err := http.Post(st.ts.URL+"/session", "application/json",
				strings.NewReader(`{"conversationScope":"conv-1"}`))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

			var body server.ErrorResponse
			Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
			Expect(body.Error.Code).To(Equal(server.ErrCodeInvalidRequest))
		})
	})

	Describe("GET /session/{id}/event", func() {
		It("streams a turn to finalized and matches the stored record", func() {
			id := createSession("hello")
			events := readStream(id)

			Expect(events).NotTo(BeEmpty())
			Expect(events[0].Kind()).To(Equal(types.KindSnapshot))
			last := events[len(events)-1]
			Expect(last.Terminal()).To(BeTrue())
			Expect(last.Data.(types.FinalizedData).Status).To(Equal(types.StatusSuccess))

			snap := types.Replay(events)
			Expect(snap.Content).To(Equal("Hello world"))

			waitDone(id)
			rec, err := st.store.GetTurn(context.Background(), id)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Status).To(Equal(types.TurnSuccess))
			Expect(rec.Content).To(Equal(snap.Content))
		})

		It("carries tool events for a failing tool and still succeeds", func() {
			id := createSession("patch that will fail")
			events := readStream(id)

			var kinds []types.EventKind
			for _, ev := range events {
				kinds = append(kinds, ev.Kind())
			}
			Expect(kinds).To(ContainElements(types.KindToolStart, types.KindToolResult))
			Expect(events[len(events)-1].Data.(types.FinalizedData).Status).To(Equal(types.StatusSuccess))
			Expect(types.Replay(events).Content).To(ContainSubstring("[tool patch failed:"))
		})

		It("returns 404 for an unknown session", func() {
			resp, err := http.Get(st.ts.URL + "/session/missing/event")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("GET /session/{id}/ws", func() {
		It("delivers the same events over a WebSocket and closes normally", func() {
			id := createSession("explode")

			url := "ws" + strings.TrimPrefix(st.ts.URL, "http") + "/session/" + id + "/ws"
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			Expect(err).NotTo(HaveOccurred())
			defer conn.Close()
			Expect(conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())

			var events []types.Event
			for {
				var ev types.Event
				err := conn.ReadJSON(&ev)
				if err != nil {
					Expect(websocket.IsCloseError(err, websocket.CloseNormalClosure)).To(BeTrue(), err.Error())
					break
				}
				events = append(events, ev)
			}

			Expect(events).NotTo(BeEmpty())
			last := events[len(events)-1]
			Expect(last.Terminal()).To(BeTrue())
			final := last.Data.(types.FinalizedData)
			Expect(final.Status).To(Equal(types.StatusError))
			Expect(final.Detail).To(Equal(types.DetailAdapterError))
			Expect(types.Replay(events).Content).To(Equal("Partial"))
		})
	})

	Describe("POST /session/{id}/cancel", func() {
		It("finalizes a running session as canceled", func() {
			id := createSession("please wait forever")

			Eventually(func() string {
				info, err := st.manager.Get(id)
				if err != nil {
					return ""
				}
				return info.Content
			}).WithTimeout(5 * time.Second).Should(Equal("Thinking"))

			resp, err := http.Post(st.ts.URL+"/session/"+id+"/cancel", "application/json", nil)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			events := readStream(id)
			last := events[len(events)-1]
			Expect(last.Data.(types.FinalizedData).Status).To(Equal(types.StatusCanceled))
			for _, ev := range events {
				Expect(ev.Kind()).NotTo(BeElementOf(types.KindComplete, types.KindError))
			}

			waitDone(id)
			rec, err := st.store.GetTurn(context.Background(), id)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Status).To(Equal(types.TurnCanceled))
			Expect(rec.Content).To(Equal("Thinking"))
		})
	})

	Describe("GET /session/{id}/snapshot", func() {
		It("reports the final status of a finished turn to late observers", func() {
			id := createSession("explode")
			waitDone(id)

			resp, err := http.Get(st.ts.URL + "/session/" + id + "/snapshot")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var snap types.SnapshotData
			Expect(json.NewDecoder(resp.Body).Decode(&snap)).To(Succeed())
			Expect(snap.State).To(Equal(types.StateFinalized))
			Expect(snap.Final).To(Equal(types.StatusError))
			Expect(snap.FinalDetail).To(Equal(types.DetailAdapterError))

			replayed := types.Replay(readStream(id))
			Expect(replayed.Final).To(Equal(types.StatusError))
			Expect(replayed.FinalDetail).To(Equal(types.DetailAdapterError))
			Expect(replayed.Content).To(Equal(snap.Content))
		})
	})

	Describe("GET /metrics", func() {
		It("counts finalized turns by status", func() {
			waitDone(createSession("hello"))
			waitDone(createSession("explode"))

			resp, err := http.Get(st.ts.URL + "/metrics")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var points []telemetry.Point
			Expect(json.NewDecoder(resp.Body).Decode(&points)).To(Succeed())

			byStatus := map[string]float64{}
			for _, p := range points {
				if p.Name == "turnstream.sessions.finalized" {
					byStatus[p.Attributes["status"]] += p.Value
				}
			}
			Expect(byStatus).To(HaveKeyWithValue("success", 1.0))
			Expect(byStatus).To(HaveKeyWithValue("error", 1.0))
		})
	})

	Describe("GET /turn", func() {
		It("lists and fetches persisted records", func() {
			first := createSession("hello")
			waitDone(first)
			second := createSession("hello again")
			waitDone(second)

			resp, err := http.Get(st.ts.URL + "/turn?scope=conv-1")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var turns []types.TurnRecord
			Expect(json.NewDecoder(resp.Body).Decode(&turns)).To(Succeed())
			Expect(turns).To(HaveLen(2))
			Expect(turns[0].ID).To(Equal(first))

			one, err := http.Get(st.ts.URL + "/turn/" + second)
			Expect(err).NotTo(HaveOccurred())
			defer one.Body.Close()
			var rec types.TurnRecord
			Expect(json.NewDecoder(one.Body).Decode(&rec)).To(Succeed())
			Expect(rec.ID).To(Equal(second))
			Expect(rec.Status).To(Equal(types.TurnSuccess))
		})

		It("returns the error envelope for a missing record", func() {
			resp, err := http.Get(st.ts.URL + "/turn/missing")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))

			var body server.ErrorResponse
			Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
			Expect(body.Error.Code).To(Equal(server.ErrCodeNotFound))
		})
	})
})
