package telegraph

import (
	"context"
	"errors"
	"testing"
	"time"
)

// Compile-time interface compliance checks.
var _ Adapter = (*MockAdapter)(nil)
var _ BotUserIDer = (*MockAdapter)(nil)

func TestMockAdapter_InterfaceCompliance(t *testing.T) {
	var a Adapter = NewMockAdapter()
	if a == nil {
		t.Fatal("MockAdapter should implement Adapter")
	}
}

func TestMockAdapter_ConnectAndClose(t *testing.T) {
	m := NewMockAdapter()
	ctx := context.Background()

	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Connect after close should fail.
	if err := m.Connect(ctx); err == nil {
		t.Fatal("Connect after Close should fail")
	}

	// Double close should be safe.
	if err := m.Close(); err != nil {
		t.Fatalf("double Close should succeed: %v", err)
	}
}

func TestMockAdapter_ListenRequiresConnect(t *testing.T) {
	m := NewMockAdapter()
	ctx := context.Background()

	_, err := m.Listen(ctx)
	if err == nil {
		t.Fatal("Listen before Connect should fail")
	}
}

func TestMockAdapter_SendRequiresConnect(t *testing.T) {
	m := NewMockAdapter()
	ctx := context.Background()

	err := m.Send(ctx, OutboundMessage{Text: "hello"})
	if err == nil {
		t.Fatal("Send before Connect should fail")
	}
}

func TestMockAdapter_SimulateInbound(t *testing.T) {
	m := NewMockAdapter()
	ctx := context.Background()

	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ch, err := m.Listen(ctx)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	m.SimulateInbound(InboundMessage{
		Platform:  "test",
		ChannelID: "C123",
		UserID:    "U456",
		UserName:  "alice",
		Text:      "hello world",
	})

	select {
	case msg := <-ch:
		if msg.Text != "hello world" {
			t.Errorf("Text = %q, want %q", msg.Text, "hello world")
		}
		if msg.Platform != "test" {
			t.Errorf("Platform = %q, want %q", msg.Platform, "test")
		}
		if msg.UserName != "alice" {
			t.Errorf("UserName = %q, want %q", msg.UserName, "alice")
		}
		if msg.Timestamp.IsZero() {
			t.Error("Timestamp should be set automatically")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound message")
	}
}

func TestMockAdapter_SendAndLastSent(t *testing.T) {
	m := NewMockAdapter()
	ctx := context.Background()

	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// No messages sent yet.
	_, ok := m.LastSent()
	if ok {
		t.Fatal("LastSent should return false when no messages sent")
	}
	if m.SentCount() != 0 {
		t.Errorf("SentCount = %d, want 0", m.SentCount())
	}

	// Send first message.
	msg1 := OutboundMessage{ChannelID: "C1", Text: "first"}
	if err := m.Send(ctx, msg1); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if m.SentCount() != 1 {
		t.Errorf("SentCount = %d, want 1", m.SentCount())
	}
	last, ok := m.LastSent()
	if !ok {
		t.Fatal("LastSent should return true")
	}
	if last.Text != "first" {
		t.Errorf("LastSent.Text = %q, want %q", last.Text, "first")
	}

	// Send second message.
	msg2 := OutboundMessage{ChannelID: "C1", Text: "second"}
	if err := m.Send(ctx, msg2); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if m.SentCount() != 2 {
		t.Errorf("SentCount = %d, want 2", m.SentCount())
	}
	last, _ = m.LastSent()
	if last.Text != "second" {
		t.Errorf("LastSent.Text = %q, want %q", last.Text, "second")
	}
}

func TestMockAdapter_AllSent(t *testing.T) {
	m := NewMockAdapter()
	ctx := context.Background()

	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	m.Send(ctx, OutboundMessage{Text: "a"})
	m.Send(ctx, OutboundMessage{Text: "b"})
	m.Send(ctx, OutboundMessage{Text: "c"})

	all := m.AllSent()
	if len(all) != 3 {
		t.Fatalf("AllSent len = %d, want 3", len(all))
	}
	if all[0].Text != "a" || all[1].Text != "b" || all[2].Text != "c" {
		t.Errorf("AllSent = %v", all)
	}

	// Verify returned slice is a copy (modifying it doesn't affect internal state).
	all[0].Text = "modified"
	orig := m.AllSent()
	if orig[0].Text != "a" {
		t.Error("AllSent should return a copy")
	}
}

func TestMockAdapter_SendWithEvents(t *testing.T) {
	m := NewMockAdapter()
	ctx := context.Background()

	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	msg := OutboundMessage{
		ChannelID: "C1",
		Text:      "Escalation",
		Events: []FormattedEvent{
			{
				Title: "Ticket SD-101 escalated",
				Body:  "No performer after 10 minutes",
				Color: "#36a64f",
				Fields: []Field{
					{Name: "Group", Value: "ENGINEER", Short: true},
					{Name: "Applicant", Value: "Anna", Short: true},
				},
			},
		},
	}

	if err := m.Send(ctx, msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	last, ok := m.LastSent()
	if !ok {
		t.Fatal("expected sent message")
	}
	if len(last.Events) != 1 {
		t.Fatalf("Events len = %d, want 1", len(last.Events))
	}
	if last.Events[0].Title != "Ticket SD-101 escalated" {
		t.Errorf("Event.Title = %q", last.Events[0].Title)
	}
	if len(last.Events[0].Fields) != 2 {
		t.Errorf("Event.Fields len = %d, want 2", len(last.Events[0].Fields))
	}
}

func TestMockAdapter_CloseClosesInbound(t *testing.T) {
	m := NewMockAdapter()
	ctx := context.Background()

	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ch, err := m.Listen(ctx)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Channel should be closed.
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("channel should be closed after Close()")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestMockAdapter_SentToAndReset(t *testing.T) {
	m := NewMockAdapter()
	ctx := context.Background()
	m.Connect(ctx)

	m.Send(ctx, OutboundMessage{UserID: "U1", Text: "hi", Keyboard: Choices(2, "yes", "no")})
	m.Send(ctx, OutboundMessage{UserID: "U2", Text: "other"})
	m.Send(ctx, OutboundMessage{UserID: "U1", Text: "again"})

	got := m.SentTo("U1")
	if len(got) != 2 {
		t.Fatalf("SentTo(U1) = %d messages, want 2", len(got))
	}
	if len(got[0].Keyboard.Buttons()) != 2 {
		t.Errorf("keyboard buttons = %v", got[0].Keyboard.Buttons())
	}

	m.Reset()
	if m.SentCount() != 0 {
		t.Errorf("SentCount after Reset = %d", m.SentCount())
	}
}

func TestMockAdapter_FailSends(t *testing.T) {
	m := NewMockAdapter()
	ctx := context.Background()
	m.Connect(ctx)

	m.FailSends(errors.New("platform down"))
	if err := m.Send(ctx, OutboundMessage{Text: "x"}); err == nil {
		t.Fatal("expected send error")
	}
	m.FailSends(nil)
	if err := m.Send(ctx, OutboundMessage{Text: "x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m.SentCount() != 1 {
		t.Errorf("SentCount = %d, want 1", m.SentCount())
	}
}
