package riva

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rbright/hark/internal/listen"
)

func TestOpenChannelEndToEnd(t *testing.T) {
	server := &testRivaServer{
		responses: [][]byte{
			encodeTestResponse("h", false),
			encodeTestResponse("  he  ", false),
			encodeTestResponse(" \n ", false),
			encodeTestResponse("hello", true),
		},
	}
	endpoint, shutdown := startTestRivaServer(t, server)
	defer shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	dialer := NewDialer(Config{Endpoint: endpoint, DialTimeout: time.Second, Punctuation: true}, nil)
	ch, err := dialer.OpenChannel(ctx, listen.ChannelConfig{
		SampleRate:     listen.SampleRate,
		Channels:       2,
		Language:       "en-US",
		InterimResults: true,
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, ch.Close()) }()

	var got []listen.Transcript
	for len(got) < 3 {
		select {
		case ev := <-ch.Events():
			require.Equal(t, listen.ChannelTranscript, ev.Kind)
			got = append(got, ev.Transcript)
		case <-ctx.Done():
			t.Fatalf("timed out after %d transcripts", len(got))
		}
	}
	require.Equal(t, []listen.Transcript{
		{Text: "h"},
		{Text: "  he  "},
		{Text: "hello", Final: true},
	}, got)

	require.NoError(t, ch.Send([]byte{1, 2, 3, 4}))
	require.NoError(t, ch.Send(nil))
	require.NoError(t, ch.Send([]byte{5, 6}))
	require.Eventually(t, func() bool { return server.audioChunks() == 2 }, 2*time.Second, 10*time.Millisecond)

	cfg := decodeTestConfig(t, server.config())
	require.Equal(t, uint64(listen.SampleRate), cfg.sampleRate)
	require.Equal(t, uint64(2), cfg.channels)
	require.Equal(t, "en-US", cfg.language)
	require.True(t, cfg.punctuation)
	require.True(t, cfg.interim)
}

func TestOpenChannelEmptyEndpoint(t *testing.T) {
	_, err := NewDialer(Config{Endpoint: "   "}, nil).OpenChannel(context.Background(), listen.ChannelConfig{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "endpoint is empty")
	require.False(t, listen.IsTransport(err))
}

func TestOpenChannelReadinessTimeoutIsTransport(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := NewDialer(Config{
		Endpoint:    "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
	}, nil).OpenChannel(ctx, listen.ChannelConfig{Language: "en-US"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "readiness")
	require.True(t, listen.IsTransport(err))
}

func TestChannelReportsServerErrorAsTransport(t *testing.T) {
	server := &testRivaServer{streamErr: status.Error(codes.Internal, "boom")}
	endpoint, shutdown := startTestRivaServer(t, server)
	defer shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ch, err := NewDialer(Config{Endpoint: endpoint, DialTimeout: time.Second}, nil).
		OpenChannel(ctx, listen.ChannelConfig{Language: "en-US", Channels: 1})
	require.NoError(t, err)
	defer func() { _ = ch.Close() }()

	select {
	case ev := <-ch.Events():
		require.Equal(t, listen.ChannelError, ev.Kind)
		require.True(t, listen.IsTransport(ev.Err))
		require.Equal(t, codes.Internal, status.Code(ev.Err))
	case <-ctx.Done():
		t.Fatal("expected channel error")
	}
}

func TestChannelReportsServerEndAsClosed(t *testing.T) {
	server := &testRivaServer{endAfterResponses: true}
	endpoint, shutdown := startTestRivaServer(t, server)
	defer shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ch, err := NewDialer(Config{Endpoint: endpoint, DialTimeout: time.Second}, nil).
		OpenChannel(ctx, listen.ChannelConfig{Language: "en-US", Channels: 1})
	require.NoError(t, err)
	defer func() { _ = ch.Close() }()

	select {
	case ev := <-ch.Events():
		require.Equal(t, listen.ChannelClosed, ev.Kind)
	case <-ctx.Done():
		t.Fatal("expected channel close")
	}
}

func TestSendAfterCloseReturnsError(t *testing.T) {
	server := &testRivaServer{}
	endpoint, shutdown := startTestRivaServer(t, server)
	defer shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ch, err := NewDialer(Config{Endpoint: endpoint, DialTimeout: time.Second}, nil).
		OpenChannel(ctx, listen.ChannelConfig{Language: "en-US", Channels: 2})
	require.NoError(t, err)

	_ = ch.Close()
	_ = ch.Close()

	err = ch.Send([]byte{9, 9, 9})
	require.Error(t, err)
	require.Contains(t, err.Error(), "closed")

	_, ok := <-ch.Events()
	require.False(t, ok)
}

func TestClassifyStatusCodes(t *testing.T) {
	terminal := []codes.Code{
		codes.InvalidArgument, codes.NotFound, codes.Unauthenticated,
		codes.PermissionDenied, codes.Unimplemented, codes.FailedPrecondition,
	}
	for _, code := range terminal {
		require.False(t, listen.IsTransport(classify(status.Error(code, "x"))), code.String())
	}
	for _, code := range []codes.Code{codes.Unavailable, codes.Internal, codes.DeadlineExceeded} {
		require.True(t, listen.IsTransport(classify(status.Error(code, "x"))), code.String())
	}
	require.True(t, listen.IsTransport(classify(errors.New("plain"))))
	require.NoError(t, classify(nil))
}

func TestRunWithTimeoutTimesOut(t *testing.T) {
	err := runWithTimeout(context.Background(), 20*time.Millisecond, func() error {
		time.Sleep(120 * time.Millisecond)
		return nil
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "timed out")
}

func TestOpenStreamWithTimeoutTimesOut(t *testing.T) {
	_, err := openStreamWithTimeout(context.Background(), 20*time.Millisecond, func() (grpc.ClientStream, error) {
		time.Sleep(120 * time.Millisecond)
		return nil, nil
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "timed out")
}

func TestRunWithTimeoutReturnsCallError(t *testing.T) {
	want := errors.New("boom")
	err := runWithTimeout(context.Background(), time.Second, func() error {
		return want
	})
	require.ErrorIs(t, err, want)
}

type testRivaServer struct {
	responses         [][]byte
	streamErr         error
	endAfterResponses bool

	mu     sync.Mutex
	cfg    []byte
	chunks int
}

func (s *testRivaServer) config() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *testRivaServer) audioChunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks
}

func (s *testRivaServer) handle(_ any, stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)
	if method != streamingRecognizeMethod {
		return status.Errorf(codes.Unimplemented, "unknown method %s", method)
	}

	var first []byte
	if err := stream.RecvMsg(&first); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = append([]byte(nil), first...)
	s.mu.Unlock()

	for _, resp := range s.responses {
		frame := resp
		if err := stream.SendMsg(&frame); err != nil {
			return err
		}
	}
	if s.streamErr != nil {
		return s.streamErr
	}
	if s.endAfterResponses {
		return nil
	}

	for {
		var frame []byte
		err := stream.RecvMsg(&frame)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if len(frame) > 0 {
			s.mu.Lock()
			s.chunks++
			s.mu.Unlock()
		}
	}
}

func startTestRivaServer(t *testing.T, srv *testRivaServer) (string, func()) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	grpcServer := grpc.NewServer(
		grpc.ForceServerCodec(rawCodec{}),
		grpc.UnknownServiceHandler(srv.handle),
	)

	go func() {
		_ = grpcServer.Serve(lis)
	}()

	shutdown := func() {
		grpcServer.Stop()
		_ = lis.Close()
	}

	return lis.Addr().String(), shutdown
}
