package network

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSendStreamDeliversHeaderThenChunks(t *testing.T) {
	server, client, serverConn := connectedPair(t, "receiver", "sender")
	defer func() {
		_ = client.Close()
		_ = serverConn.Close()
		_ = server.Close()
	}()

	content := []byte("hello stream world")
	var progressCalls atomic.Int32
	transfer := client.SendStream([]byte("header"), int64(len(content)), sliceProvider(content), func(sent, total int64) {
		progressCalls.Add(1)
		if total != int64(len(content)) {
			t.Errorf("progress total %d, want %d", total, len(content))
		}
	})

	if ev := nextEvent(t, serverConn); ev.Kind != EventMessage || string(ev.Payload) != "header" {
		t.Fatalf("expected header message first, got %s %q", ev.Kind, ev.Payload)
	}
	if ev := nextEvent(t, serverConn); ev.Kind != EventTransferStarted || ev.Size != int64(len(content)) {
		t.Fatalf("expected transfer started, got %s size=%d", ev.Kind, ev.Size)
	}

	var received bytes.Buffer
	for {
		ev := nextEvent(t, serverConn)
		if ev.Kind == EventTransferEnd {
			if ev.Err != nil {
				t.Fatalf("transfer ended with error: %v", ev.Err)
			}
			break
		}
		if ev.Kind != EventTransferData {
			t.Fatalf("unexpected event %s during stream", ev.Kind)
		}
		if len(ev.Payload) > 4 {
			t.Fatalf("chunk of %d bytes exceeds chunk size", len(ev.Payload))
		}
		received.Write(ev.Payload)
	}
	if !bytes.Equal(received.Bytes(), content) {
		t.Fatalf("received %q, want %q", received.Bytes(), content)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := transfer.Wait(ctx); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if transfer.BytesSent() != int64(len(content)) {
		t.Fatalf("BytesSent %d, want %d", transfer.BytesSent(), len(content))
	}
	if progressCalls.Load() != 5 {
		t.Fatalf("expected 5 progress calls, got %d", progressCalls.Load())
	}
}

func TestSendStreamEmptyContent(t *testing.T) {
	server, client, serverConn := connectedPair(t, "receiver", "sender")
	defer func() {
		_ = client.Close()
		_ = serverConn.Close()
		_ = server.Close()
	}()

	transfer := client.SendStream(nil, 0, sliceProvider(nil), nil)
	if ev := nextEvent(t, serverConn); ev.Kind != EventTransferStarted || ev.Size != 0 {
		t.Fatalf("expected empty transfer start, got %s size=%d", ev.Kind, ev.Size)
	}
	if ev := nextEvent(t, serverConn); ev.Kind != EventTransferEnd || ev.Err != nil {
		t.Fatalf("expected clean transfer end, got %s %v", ev.Kind, ev.Err)
	}
	<-transfer.Done()
	if err := transfer.Err(); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
}

func TestSendStreamAbortsOnProviderError(t *testing.T) {
	server, client, serverConn := connectedPair(t, "receiver", "sender")
	defer func() {
		_ = client.Close()
		_ = serverConn.Close()
		_ = server.Close()
	}()

	providerErr := errors.New("disk gone")
	transfer := client.SendStream(nil, 100, func(position int64, length int) ([]byte, error) {
		if position >= 4 {
			return nil, providerErr
		}
		return make([]byte, length), nil
	}, nil)

	var end Event
	for {
		ev := nextEvent(t, serverConn)
		if ev.Kind == EventTransferEnd {
			end = ev
			break
		}
	}
	if !errors.Is(end.Err, ErrStreamAborted) {
		t.Fatalf("expected ErrStreamAborted, got %v", end.Err)
	}

	<-transfer.Done()
	if !errors.Is(transfer.Err(), providerErr) {
		t.Fatalf("expected provider error, got %v", transfer.Err())
	}

	if err := client.Send([]byte("still usable")); err != nil {
		t.Fatalf("Send after abort failed: %v", err)
	}
	if ev := nextEvent(t, serverConn); ev.Kind != EventMessage || string(ev.Payload) != "still usable" {
		t.Fatalf("unexpected event after abort: %s %q", ev.Kind, ev.Payload)
	}
}

func TestConcurrentStreamsAreSerialized(t *testing.T) {
	server, client, serverConn := connectedPair(t, "receiver", "sender")
	defer func() {
		_ = client.Close()
		_ = serverConn.Close()
		_ = server.Close()
	}()

	first := client.SendStream([]byte("first"), 9, sliceProvider([]byte("aaaaaaaaa")), nil)
	second := client.SendStream([]byte("second"), 9, sliceProvider([]byte("bbbbbbbbb")), nil)

	headers := 0
	var current string
	contents := map[string]string{}
	for headers < 2 || current != "" {
		ev := nextEvent(t, serverConn)
		switch ev.Kind {
		case EventMessage:
			if current != "" {
				t.Fatalf("header %q arrived inside stream %q", ev.Payload, current)
			}
			current = string(ev.Payload)
			headers++
		case EventTransferData:
			contents[current] += string(ev.Payload)
		case EventTransferEnd:
			if ev.Err != nil {
				t.Fatalf("stream %q failed: %v", current, ev.Err)
			}
			current = ""
		}
	}

	if contents["first"] != "aaaaaaaaa" || contents["second"] != "bbbbbbbbb" {
		t.Fatalf("streams interleaved: %v", contents)
	}
	<-first.Done()
	<-second.Done()
}

func sliceProvider(content []byte) ChunkProvider {
	return func(position int64, length int) ([]byte, error) {
		end := position + int64(length)
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		return content[position:end], nil
	}
}
