package henry_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"henrycloud/henry"
	"henrycloud/henry/henrytest"
)

func setup(t *testing.T, device *henrytest.Device, unsolicited func(henry.Frame)) *henry.Conn {
	t.Helper()

	client, server := net.Pipe()
	go device.Serve(server)

	conn := henry.NewConn(client, unsolicited)
	t.Cleanup(func() {
		conn.Close()
		server.Close()
	})

	return conn
}

func newDevice(t *testing.T) *henrytest.Device {
	t.Helper()

	device, err := henrytest.NewDevice("admin", "123")
	if err != nil {
		t.Fatal(err)
	}

	return device
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	return ctx
}

func TestAuthenticateAndSend(t *testing.T) {
	device := newDevice(t)
	client := henry.NewClient(setup(t, device, nil))
	ctx := testContext(t)

	if err := client.Authenticate(ctx, "admin", "123"); err != nil {
		t.Fatal(err)
	}
	if !client.Authenticated() {
		t.Fatal("client should be authenticated")
	}

	reply, err := client.Send(ctx, henry.Request{Command: henry.CommandReadCounts})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Command != "RQ" || reply.Status != "000" || reply.Data != "1]100]2]50" {
		t.Fatalf("unexpected reply %+v", reply)
	}

	received := device.Received()
	if len(received) != 3 {
		t.Fatalf("expected RA, EA and RQ, got %+v", received)
	}
	if received[0].Command != "RA" || received[1].Command != "EA" {
		t.Fatalf("unexpected handshake %+v", received)
	}
	if received[2].Index != "01" || received[2].Status != "00" {
		t.Fatalf("unexpected command %+v", received[2])
	}
}

func TestAuthenticateRetriesExpiredSession(t *testing.T) {
	device := newDevice(t)
	device.ExpireSessions = 2
	client := henry.NewClient(setup(t, device, nil))

	if err := client.Authenticate(testContext(t), "admin", "123"); err != nil {
		t.Fatal(err)
	}

	if n := len(device.Received()); n != 4 {
		t.Fatalf("expected 3 RA and 1 EA, got %d messages", n)
	}
}

func TestAuthenticateGivesUp(t *testing.T) {
	device := newDevice(t)
	device.ExpireSessions = 5
	client := henry.NewClient(setup(t, device, nil))

	err := client.Authenticate(testContext(t), "admin", "123")
	var statusErr *henry.StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != henry.StatusSessionExpired {
		t.Fatalf("expected an expired session error, got %v", err)
	}

	if n := len(device.Received()); n != 3 {
		t.Fatalf("expected 3 RA attempts, got %d", n)
	}
}

func TestAuthenticateWrongPassword(t *testing.T) {
	device := newDevice(t)
	client := henry.NewClient(setup(t, device, nil))

	err := client.Authenticate(testContext(t), "admin", "wrong")
	var statusErr *henry.StatusError
	if !errors.As(err, &statusErr) || statusErr.Stage != henry.CommandSendAuth {
		t.Fatalf("expected an EA status error, got %v", err)
	}
	if client.Authenticated() {
		t.Fatal("client should not be authenticated")
	}
}

func TestSendRequiresAuthentication(t *testing.T) {
	device := newDevice(t)
	client := henry.NewClient(setup(t, device, nil))

	_, err := client.Send(testContext(t), henry.Request{Command: henry.CommandReadConfig})
	if !errors.Is(err, henry.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if n := len(device.Received()); n != 0 {
		t.Fatalf("nothing should have been sent, device got %d messages", n)
	}
}

func TestSendIndexWraps(t *testing.T) {
	device := newDevice(t)
	client := henry.NewClient(setup(t, device, nil))
	ctx := testContext(t)

	if err := client.Authenticate(ctx, "admin", "123"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 101; i++ {
		if _, err := client.Send(ctx, henry.Request{Command: henry.CommandReadCounts}); err != nil {
			t.Fatal(err)
		}
	}

	received := device.Received()[2:]
	checks := map[int]string{0: "01", 8: "09", 98: "99", 99: "00", 100: "01"}
	for i, want := range checks {
		if received[i].Index != want {
			t.Errorf("send %d: index %s, want %s", i+1, received[i].Index, want)
		}
	}
}

func TestSendDetectsLostSession(t *testing.T) {
	device := newDevice(t)
	client := henry.NewClient(setup(t, device, nil))
	ctx := testContext(t)

	if err := client.Authenticate(ctx, "admin", "123"); err != nil {
		t.Fatal(err)
	}

	device.Expire()

	_, err := client.Send(ctx, henry.Request{Command: henry.CommandReadCounts})
	if !errors.Is(err, henry.ErrKeyOutOfSync) {
		t.Fatalf("expected ErrKeyOutOfSync, got %v", err)
	}
	if client.Authenticated() {
		t.Fatal("session should have been dropped")
	}

	if err := client.Authenticate(ctx, "admin", "123"); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Send(ctx, henry.Request{Command: henry.CommandReadConfig}); err != nil {
		t.Fatal(err)
	}
}

func TestClientTimeoutPerExchange(t *testing.T) {
	device := newDevice(t)
	device.SetDelay(150 * time.Millisecond)

	client := henry.NewClient(setup(t, device, nil))
	client.Timeout = 400 * time.Millisecond
	ctx := testContext(t)

	// RA, EA and RQ take longer together than a single timeout
	if err := client.Authenticate(ctx, "admin", "123"); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Send(ctx, henry.Request{Command: henry.CommandReadCounts}); err != nil {
		t.Fatal(err)
	}

	device.SetDelay(time.Second)
	if _, err := client.Send(ctx, henry.Request{Command: henry.CommandReadCounts}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected a deadline error, got %v", err)
	}
}
