package grpc

import (
	"context"
	"sync"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
)

func TestPool_ReusesConnectionPerTarget(t *testing.T) {
	p := NewPool()
	defer p.Close()

	const workers = 16
	conns := make([]*grpc.ClientConn, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := p.GetConnection("passthrough:///ledger-a")
			if err != nil {
				t.Errorf("GetConnection: %v", err)
				return
			}
			conns[i] = conn
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if conns[i] != conns[0] {
			t.Fatalf("worker %d got a different connection", i)
		}
	}
	if _, err := p.GetConnection("passthrough:///ledger-b"); err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if p.Len() != 2 {
		t.Fatalf("Len = %d, want 2", p.Len())
	}
}

func TestPool_ReplacesShutdownConnection(t *testing.T) {
	p := NewPool()
	defer p.Close()

	first, err := p.GetConnection("passthrough:///ledger")
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	_ = first.Close()
	if first.GetState() != connectivity.Shutdown {
		t.Fatalf("state = %v, want Shutdown", first.GetState())
	}

	second, err := p.GetConnection("passthrough:///ledger")
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if second == first {
		t.Fatal("expected a new connection after shutdown")
	}
}

func TestPool_RemoveAndClose(t *testing.T) {
	var calls int
	p := NewPool(WithInterceptor(func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		calls++
		return invoker(ctx, method, req, reply, cc, opts...)
	}))

	if _, err := p.GetConnection("passthrough:///a"); err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if _, err := p.GetConnection("passthrough:///b"); err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if err := p.Remove("passthrough:///a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := p.Remove("passthrough:///missing"); err != nil {
		t.Fatalf("Remove missing: %v", err)
	}
	if p.Len() != 1 {
		t.Fatalf("Len = %d, want 1", p.Len())
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if p.Len() != 0 {
		t.Fatalf("Len after Close = %d", p.Len())
	}
	if calls != 0 {
		t.Fatalf("interceptor called %d times without any RPC", calls)
	}
}
