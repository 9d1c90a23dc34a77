// Package server implements the privileged classifier daemon.
//
// The daemon exposes the device service on a unix socket. Each request
// names buffers in the calling process; the daemon identifies the caller
// from the socket's peer credentials, validates and copies the buffers
// through the caller's address space, classifies the memory the faulting
// instruction executed from and writes the verdict back.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/frobware/go-eatguard/config"
	"github.com/frobware/go-eatguard/lock"
	"github.com/frobware/go-eatguard/logging"
	"github.com/frobware/go-eatguard/store/sqlite"
	"github.com/frobware/go-eatguard/transport"
	"github.com/frobware/go-eatguard/wire"
)

// RunConfig configures the server daemon.
type RunConfig struct {
	Dirs         config.RuntimeDirs
	Config       config.Config
	PprofAddress string // Optional address for pprof HTTP server (e.g., "localhost:2026")
	Logger       *slog.Logger

	// Opener overrides how caller address spaces are opened.
	Opener Opener
	// Ready, if set, is called with the socket path once it accepts
	// connections.
	Ready func(socketPath string)
}

// Run starts the classifier daemon and serves until ctx is cancelled,
// then shuts down gracefully. Only one daemon may run per runtime
// directory.
func Run(ctx context.Context, cfg RunConfig) error {
	dirs := cfg.Dirs

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	logger = logging.WithOpIDHandler(logger)

	mode, err := cfg.Config.Server.FileMode()
	if err != nil {
		return err
	}

	if err := dirs.EnsureDirectories(); err != nil {
		return fmt.Errorf("runtime directory setup failed: %w", err)
	}

	return lock.TryRun(ctx, dirs.Lock(), func(ctx context.Context, scope lock.Scope) error {
		logger.Info("holding instance lock", "path", scope.Path())

		opener := cfg.Opener
		if opener == nil {
			opener = ProcessOpener
		}
		opts := []Option{WithLogger(logger)}

		if cfg.Config.Store.Enabled {
			dbPath := cfg.Config.StorePath(dirs)
			st, err := sqlite.New(ctx, dbPath, logging.For(logger, logging.ComponentStore))
			if err != nil {
				return fmt.Errorf("failed to open store at %s: %w", dbPath, err)
			}
			defer st.Close()
			opts = append(opts, WithStore(st, cfg.Config.Store.Retain))
		} else {
			logger.Info("event store disabled")
		}

		if cfg.PprofAddress != "" {
			if err := startPprof(ctx, cfg.PprofAddress, logger); err != nil {
				return err
			}
		} else {
			logger.Info("pprof HTTP server disabled")
		}

		srv := New(opener, opts...)
		return srv.serve(ctx, scope, cfg.Config.SocketPath(dirs), mode, cfg.Ready)
	})
}

func startPprof(ctx context.Context, addr string, logger *slog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("pprof listen on %s: %w", addr, err)
	}
	pprofServer := &http.Server{}
	logger.Info("pprof HTTP server listening", "address", lis.Addr().String())
	go func() {
		if err := pprofServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			logger.Error("pprof HTTP server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		pprofServer.Close()
	}()
	return nil
}

// serve binds socketPath and serves the device service on it. The scope
// proves the caller holds the instance lock, which makes removing a
// stale socket safe.
func (s *Server) serve(ctx context.Context, _ lock.Scope, socketPath string, mode os.FileMode, ready func(string)) error {
	socketDir := filepath.Dir(socketPath)
	if err := os.MkdirAll(socketDir, 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}
	defer lis.Close()
	defer os.Remove(socketPath)

	// Windows sockets take their access from the directory ACL.
	if runtime.GOOS != "windows" {
		if err := os.Chmod(socketPath, mode); err != nil {
			return fmt.Errorf("failed to set socket permissions: %w", err)
		}
	}

	grpcServer := NewGRPCServer(s, nil)

	errChan := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "classifier listening", "socket", socketPath)
		if err := grpcServer.Serve(lis); err != nil {
			errChan <- fmt.Errorf("unix socket server: %w", err)
		}
	}()
	if ready != nil {
		ready(socketPath)
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down classifier")
		grpcServer.GracefulStop()
		return nil
	case err := <-errChan:
		grpcServer.Stop()
		return err
	}
}

// NewGRPCServer returns a gRPC server carrying the device service of s.
// creds identifies callers; nil selects the socket peer credentials.
func NewGRPCServer(s *Server, creds credentials.TransportCredentials) *grpc.Server {
	if creds == nil {
		creds = transport.PeerCredentials(nil)
	}
	g := grpc.NewServer(
		grpc.Creds(creds),
		grpc.UnaryInterceptor(s.loggingInterceptor()),
	)
	transport.RegisterDeviceServer(g, s)
	return g
}

// loggingInterceptor returns a gRPC unary interceptor that assigns a
// monotonic operation ID to each request and logs its completion.
func (s *Server) loggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx = logging.WithOpID(ctx, logging.NextOpID())
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			s.logger.ErrorContext(ctx, "grpc error", "method", info.FullMethod, "error", err)
			return resp, err
		}
		if reply, ok := resp.(*wire.Reply); ok {
			s.logger.DebugContext(ctx, "request completed",
				"method", info.FullMethod,
				"status", reply.Status.String(),
				"duration", time.Since(start))
		}
		return resp, nil
	}
}
