// Copyright 2025 James Ross
package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Message is the stream protocol frame shape SSE clients expect (spec §6
// "Stream protocol"): one per event_type, with ping carrying empty content.
type Message struct {
	Source    string         `json:"source"`
	EventType string         `json:"event_type"`
	Message   string         `json:"message"`
	Step      string         `json:"step,omitempty"`
	Content   string         `json:"content,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// FormatStreamMessage renders one SSE frame: "data: <json>\n\n".
func FormatStreamMessage(m Message) string {
	b, err := json.Marshal(m)
	if err != nil {
		b = []byte(`{}`)
	}
	return fmt.Sprintf("data: %s\n\n", b)
}

// StreamOptions configures one SSE replay session (spec §4.B "SSE streaming").
type StreamOptions struct {
	JobID             string
	AfterSeq          int64
	KeepaliveInterval time.Duration
	PollInterval      time.Duration
	StopWhenDone      bool
	TerminalGrace     time.Duration
}

var terminalJobStatuses = map[string]bool{"completed": true, "partial": true, "failed": true, "cancelled": true}

// StreamEvents replays a job's event log as formatted SSE frames on a
// channel, closing it when the context is canceled or (with StopWhenDone) a
// terminal event has been observed and the grace period has elapsed (spec
// §4.B points 1-4). Modeled as a channel-fed goroutine rather than a Python
// generator, matching the teacher's worker dispatch-loop shape.
func (s *Store) StreamEvents(ctx context.Context, opts StreamOptions) <-chan string {
	out := make(chan string)
	go s.runStream(ctx, opts, out)
	return out
}

type streamState struct {
	lastSeq         int64
	lastActivity    time.Time
	terminalSeq     *int64
	terminalStatus  *string
	lastTermCheck   time.Time
	sawTerminal     bool
}

func (s *Store) runStream(ctx context.Context, opts StreamOptions, out chan<- string) {
	defer close(out)

	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.TerminalGrace < 0 {
		opts.TerminalGrace = 0
	}

	st := &streamState{lastSeq: opts.AfterSeq, lastActivity: time.Now()}
	send := func(msg string) bool {
		select {
		case out <- msg:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		events, err := s.FetchEvents(ctx, opts.JobID, st.lastSeq, s.cfg.SSE.BatchSize)
		if err != nil {
			events = nil
		}

		if len(events) > 0 {
			for _, ev := range events {
				if !s.emitEvent(send, st, ev, opts.JobID) {
					return
				}
			}
			continue
		}

		if opts.StopWhenDone {
			s.refreshTerminalSeq(ctx, opts.JobID, st)
			if st.terminalSeq != nil && st.lastSeq < *st.terminalSeq {
				recovered, _ := s.fetchEventsDurable(ctx, opts.JobID, st.lastSeq, s.cfg.SSE.BatchSize)
				if len(recovered) > 0 {
					for _, ev := range recovered {
						if !s.emitEvent(send, st, ev, opts.JobID) {
							return
						}
					}
					continue
				}
				if !st.sawTerminal && st.terminalStatus != nil {
					payload := map[string]any{"job_id": opts.JobID, "seq": *st.terminalSeq, "status": *st.terminalStatus}
					if !send(FormatStreamMessage(Message{Source: "analysis", EventType: EventJobCompleted, Payload: payload})) {
						return
					}
					st.lastSeq = *st.terminalSeq
					return
				}
			}
			if st.terminalSeq != nil && st.lastSeq >= *st.terminalSeq && time.Since(st.lastActivity) >= opts.TerminalGrace {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(opts.PollInterval):
		}

		if opts.KeepaliveInterval > 0 && time.Since(st.lastActivity) >= opts.KeepaliveInterval {
			if opts.StopWhenDone {
				s.refreshTerminalSeq(ctx, opts.JobID, st)
				if st.terminalSeq != nil && st.lastSeq >= *st.terminalSeq {
					return
				}
			}
			if !send(FormatStreamMessage(Message{Source: "analysis", EventType: EventPing, Step: "keepalive", Content: ""})) {
				return
			}
			st.lastActivity = time.Now()
		}
	}
}

func (s *Store) emitEvent(send func(string) bool, st *streamState, ev *Event, jobID string) bool {
	st.lastSeq = ev.Seq
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	if _, ok := payload["job_id"]; !ok {
		payload["job_id"] = jobID
	}
	if _, ok := payload["seq"]; !ok {
		payload["seq"] = ev.Seq
	}
	if !send(FormatStreamMessage(Message{Source: "analysis", EventType: ev.EventType, Payload: payload})) {
		return false
	}
	st.lastActivity = time.Now()
	if ev.EventType == EventJobCompleted {
		seq := ev.Seq
		st.terminalSeq = &seq
		st.sawTerminal = true
	}
	return true
}

// refreshTerminalSeq looks up the terminal marker once, preferring the
// realtime tier and falling back to the durable job status with a 2s
// throttle (spec §4.B point 2).
func (s *Store) refreshTerminalSeq(ctx context.Context, jobID string, st *streamState) {
	if st.terminalSeq != nil {
		return
	}
	if s.redis != nil {
		if seq, ok := s.getTerminalSeqRealtime(ctx, jobID); ok {
			st.terminalSeq = &seq
			return
		}
	}
	if time.Since(st.lastTermCheck) < 2*time.Second {
		return
	}
	st.lastTermCheck = time.Now()

	job, err := s.cards.GetJob(ctx, jobID)
	if err != nil {
		seq := st.lastSeq
		st.terminalSeq = &seq
		return
	}
	status := string(job.Status)
	if !terminalJobStatuses[status] {
		return
	}
	st.terminalStatus = &status
	dbSeq, err := s.getTerminalSeqDurable(ctx, jobID)
	if err == nil && dbSeq != nil {
		st.terminalSeq = dbSeq
		return
	}
	seq := st.lastSeq + 1
	st.terminalSeq = &seq
}
