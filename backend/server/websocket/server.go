package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/yim-server/backend/codec"
	"github.com/adwski/yim-server/backend/model"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	defaultNoticeDeadline   = time.Second

	defaultQueueSize = 64

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 1 << 16
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
	ErrPanic      = errors.New("connection handler panicked")
)

type (
	Router interface {
		OnConnect(ctx context.Context, id string) error
		OnMessage(ctx context.Context, id string, raw []byte) error
		OnDisconnect(ctx context.Context, id string) error
	}

	Switch interface {
		Connect(id string, wire model.Wire, kick context.CancelFunc) error
		Disconnect(id string) error
		SendToAll(ctx context.Context, data []byte) error
	}

	Config struct {
		Logger     *zerolog.Logger
		Router     Router
		Switch     Switch
		ListenAddr string
		QueueSize  int
	}

	// Server is the transport adapter: it accepts websocket connections,
	// assigns client ids and feeds connection events into the router.
	Server struct {
		router Router
		sw     Switch
		ws     *websocket.Upgrader
		*http.Server

		connCtx    context.Context
		connCancel context.CancelFunc
		conns      *sync.WaitGroup
		mx         *sync.Mutex
		closed     bool
		queueSize  int

		// errc receives handler panics, it is set by Run
		errc chan<- error

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	connCtx, connCancel := context.WithCancel(context.Background())
	srv := &Server{
		logger:     cfg.Logger.With().Str("component", "websocket-server").Logger(),
		router:     cfg.Router,
		sw:         cfg.Switch,
		connCtx:    connCtx,
		connCancel: connCancel,
		conns:      &sync.WaitGroup{},
		mx:         &sync.Mutex{},
		queueSize:  queueSize,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", srv.accept)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	srv.errc = errc
	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		srv.closeConnections()
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		srv.notifyShutdown()
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
		srv.closeConnections()
	}
}

// notifyShutdown tells every live client the server is going away.
func (srv *Server) notifyShutdown() {
	b, err := codec.Encode(model.Notice(model.NoticeShutdown))
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to encode shutdown notice")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultNoticeDeadline)
	defer cancel()
	if err = srv.sw.SendToAll(ctx, b); err != nil {
		srv.logger.Warn().Err(err).Msg("shutdown notice was not delivered to everyone")
	}
}

// closeConnections drops hijacked websocket connections, which
// http.Server.Shutdown does not track, and waits for their cleanup.
func (srv *Server) closeConnections() {
	srv.mx.Lock()
	srv.closed = true
	srv.mx.Unlock()

	srv.connCancel()
	srv.conns.Wait()
}

// track reserves a connection slot, it fails once the server is closing.
func (srv *Server) track() bool {
	srv.mx.Lock()
	defer srv.mx.Unlock()

	if srv.closed {
		return false
	}
	srv.conns.Add(1)
	return true
}

// recoverPanic turns a handler panic into a server error, so the process
// goes through regular teardown. It must be deferred.
func (srv *Server) recoverPanic(logger *zerolog.Logger) {
	r := recover()
	if r == nil {
		return
	}
	logger.Error().Interface("panic", r).Msg("connection handler panicked")
	if srv.errc == nil {
		return
	}
	select {
	case srv.errc <- fmt.Errorf("%w: %v", ErrPanic, r):
	default:
	}
}

func (srv *Server) accept(w http.ResponseWriter, r *http.Request) {
	if !srv.track() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	var handedOff bool
	defer func() {
		if !handedOff {
			srv.conns.Done()
		}
	}()
	defer srv.recoverPanic(&srv.logger)

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already replied with an http error
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	var (
		id          = uuid.NewString()
		wire        = model.NewWire(srv.queueSize)
		ctx, cancel = context.WithCancel(srv.connCtx) // long-living connection context
		logger      = srv.logger.With().Str("clientID", id).Logger()
	)

	var attached bool
	defer func() {
		if handedOff {
			return
		}
		cancel()
		if attached {
			_ = srv.sw.Disconnect(id)
		}
		webSocketCloser(conn, &logger)
	}()

	if err = srv.sw.Connect(id, wire, cancel); err != nil {
		logger.Error().Err(err).Msg("failed to attach connection")
		return
	}
	attached = true
	if err = srv.router.OnConnect(ctx, id); err != nil {
		logger.Error().Err(err).Msg("failed to register client")
		return
	}
	logger.Debug().Str("remote", r.RemoteAddr).Msg("client connected")

	handedOff = true
	go srv.handleWSConn(ctx, cancel, conn, id, wire, &logger)
}

func (srv *Server) destroySession(id string, logger *zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultNoticeDeadline)
	defer cancel()
	if err := srv.router.OnDisconnect(ctx, id); err != nil {
		logger.Error().Err(err).Msg("failed to unregister client")
	}
	if err := srv.sw.Disconnect(id); err != nil {
		logger.Error().Err(err).Msg("failed to detach connection")
	}
	logger.Debug().Msg("client disconnected")
}

func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	id string,
	wire model.Wire,
	logger *zerolog.Logger,
) {
	defer srv.conns.Done()
	defer srv.recoverPanic(logger)

	wg := &sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer cancel()
		defer srv.recoverPanic(logger)
		srv.webSocketReceiver(ctx, wg, conn, id, logger)
	}()
	go func() {
		webSocketSender(ctx, wg, conn, wire.TX, logger)
		cancel()
	}()
	go func() {
		// unblock pending read once the connection is canceled
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	wg.Wait()
	webSocketCloser(conn, logger)
	srv.destroySession(id, logger)
}

func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan []byte,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			flush(conn, tx, logger)
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			logger.Trace().Msg("ping sent")

		case msg, ok := <-tx:
			if !ok {
				break SendLoop
			}

			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if wsErr = conn.WriteMessage(websocket.TextMessage, msg); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing message")
				break SendLoop
			}
		}
	}
}

// flush writes whatever is still queued, like the shutdown notice.
func flush(conn *websocket.Conn, tx <-chan []byte, logger *zerolog.Logger) {
	if err := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline)); err != nil {
		return
	}
	for {
		select {
		case msg := <-tx:
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Debug().Err(err).Msg("failed to flush outgoing message")
				return
			}
		default:
			return
		}
	}
}

func (srv *Server) webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	id string,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		if ctx.Err() != nil {
			return nil
		}
		return readDeadLineFunc(defaultPongWait)
	})
	err := readDeadLineFunc(defaultPongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	for {
		_, msg, wsErr := conn.ReadMessage()
		if wsErr != nil {
			switch {
			case ctx.Err() != nil:
				logger.Debug().Msg("connection canceled")
			case websocket.IsCloseError(wsErr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway):
				logger.Debug().Err(wsErr).Msg("connection closed")
			default:
				logger.Warn().Err(wsErr).Msg("unexpected error during receive")
			}
			return
		}

		if err = srv.router.OnMessage(ctx, id, msg); err != nil {
			logger.Debug().Err(err).Msg("message was not routed")
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if wsErr != nil {
			logger.Debug().Err(wsErr).Msg("failed to send close message")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}
