// Package front implements the HTTP/WS Front: the POST / setup endpoint,
// the CORS preflight, and the /ws attach endpoint.
package front

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/websoft9/ssh-gateway/internal/metrics"
	"github.com/websoft9/ssh-gateway/internal/reactor"
	"github.com/websoft9/ssh-gateway/internal/registry"
	"github.com/websoft9/ssh-gateway/internal/session"
	"github.com/websoft9/ssh-gateway/internal/terminal"
)

const maxMultipartMemory = 32 << 20 // 32 MiB, private keys are small

// Front wires the setup/attach handshake to the reactor-owned Registry
// and Factory. A single Front is shared by every request.
type Front struct {
	reactor      *reactor.Reactor
	factory      *terminal.Factory
	registry     *registry.Registry
	metrics      *metrics.Metrics
	attachWindow time.Duration
	log          zerolog.Logger

	upgrader websocket.Upgrader
}

// New builds a Front. attachWindow is threaded through explicitly (rather
// than read from registry.AttachWindow) so tests can shrink it.
func New(r *reactor.Reactor, factory *terminal.Factory, reg *registry.Registry, m *metrics.Metrics, attachWindow time.Duration, log zerolog.Logger) *Front {
	return &Front{
		reactor:      r,
		factory:      factory,
		registry:     reg,
		metrics:      m,
		attachWindow: attachWindow,
		log:          log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  terminal.BufSize,
			WriteBufferSize: terminal.BufSize,
			// Permissive: this gateway is meant to sit behind a trusted
			// reverse proxy; a hardened deployment wraps this service
			// rather than the service hardening itself.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Routes returns the mux implementing the gateway's HTTP surface, with
// CORS headers applied to every response.
func (f *Front) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", f.handleRoot)
	mux.HandleFunc("/ws", f.handleWS)
	return withCORS(mux)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "x-requested-with")
		h.Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (f *Front) handleRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		// Rendering index.html is the external asset collaborator's job;
		// this stub only proves the route exists.
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ssh-gateway: see the accompanying static UI for /\n")
	case http.MethodPost:
		f.handleSetup(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type setupResponse struct {
	ID     *string `json:"id"`
	Status *string `json:"status"`
}

func writeSetupResponse(w http.ResponseWriter, id string, errMsg string) {
	resp := setupResponse{}
	if errMsg != "" {
		resp.Status = &errMsg
	} else {
		resp.ID = &id
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// handleSetup implements POST /: authenticate, open the SSH session, and
// register it as Pending. The handshake runs on this request goroutine,
// not the reactor, so a slow or hanging dial never stalls the event loop.
func (f *Front) handleSetup(w http.ResponseWriter, r *http.Request) {
	args, err := parseSetupArgs(r)
	if err != nil {
		writeSetupResponse(w, "", err.Error())
		return
	}

	client, channel, destAddr, err := f.factory.Open(r.Context(), args)
	if err != nil {
		writeSetupResponse(w, "", err.Error())
		return
	}

	id := uuid.NewString()
	sess := session.New(id, f.reactor, channel, client, destAddr, f.metrics)

	done := make(chan struct{})
	f.reactor.Post(func() {
		f.registry.Insert(id, sess, f.attachWindow)
		close(done)
	})
	<-done

	f.log.Info().Str("session_id", id).Str("dest", destAddr).Msg("session created")
	writeSetupResponse(w, id, "")
}

// parseSetupArgs accepts both a JSON body and a multipart/urlencoded form
// body. A private key file is only obtainable via multipart, since JSON
// has no file upload.
func parseSetupArgs(r *http.Request) (terminal.Args, error) {
	contentType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var (
		hostname, portRaw, username, password string
		privateKey                            []byte
	)

	switch {
	case strings.Contains(r.Header.Get("Content-Type"), "application/json"):
		var body struct {
			Hostname string      `json:"hostname"`
			Port     interface{} `json:"port"`
			Username string      `json:"username"`
			Password string      `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return terminal.Args{}, fmt.Errorf("Empty hostname")
		}
		hostname = body.Hostname
		username = body.Username
		password = body.Password
		if body.Port != nil {
			portRaw = fmt.Sprint(body.Port)
		}

	case contentType == "multipart/form-data":
		if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
			return terminal.Args{}, fmt.Errorf("Empty hostname")
		}
		hostname = r.FormValue("hostname")
		portRaw = r.FormValue("port")
		username = r.FormValue("username")
		password = r.FormValue("password")
		if file, _, err := r.FormFile("privatekey"); err == nil {
			defer file.Close()
			privateKey, _ = io.ReadAll(file)
		}

	default:
		if err := r.ParseForm(); err != nil {
			return terminal.Args{}, fmt.Errorf("Empty hostname")
		}
		hostname = r.FormValue("hostname")
		portRaw = r.FormValue("port")
		username = r.FormValue("username")
		password = r.FormValue("password")
	}

	if hostname == "" {
		return terminal.Args{}, fmt.Errorf("Empty hostname")
	}
	if username == "" {
		return terminal.Args{}, fmt.Errorf("Empty username")
	}
	if portRaw == "" {
		return terminal.Args{}, fmt.Errorf("Empty port")
	}

	port, err := terminal.ParsePort(portRaw)
	if err != nil {
		return terminal.Args{}, err
	}

	return terminal.Args{
		Host:     hostname,
		Port:     port,
		Username: username,
		Password: password,
		// The same password field doubles as the private key passphrase.
		PrivateKey:           privateKey,
		PrivateKeyPassphrase: password,
	}, nil
}

// handleWS implements WS /ws?id=…: attach.
func (f *Front) handleWS(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	remoteAddr := resolveAddr(r)

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if tcpConn, ok := conn.UnderlyingConn().(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	type popResult struct{ sess *session.Session }
	resultCh := make(chan popResult, 1)
	f.reactor.Post(func() {
		resultCh <- popResult{f.registry.Pop(id)}
	})
	res := <-resultCh

	if res.sess == nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "Invalid worker id"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	f.log.Info().Str("session_id", id).Str("remote_addr", remoteAddr).Msg("session attached")

	handler := &wsHandler{conn: conn}
	f.reactor.Post(func() {
		res.sess.Attach(handler)
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			f.reactor.Post(func() {
				res.sess.Close(session.CloseReasonWSClosed)
			})
			return
		}
		f.reactor.Post(func() {
			res.sess.Enqueue(data)
		})
	}
}

// resolveAddr prefers X-Real-Ip/X-Real-Port (proxy-forwarded) over the
// raw peer address. Diagnostic only.
func resolveAddr(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	port := r.Header.Get("X-Real-Port")
	if ip != "" {
		if port != "" {
			return net.JoinHostPort(ip, port)
		}
		return ip
	}
	return r.RemoteAddr
}

// wsHandler adapts a *websocket.Conn to session.Handler. Every call
// arrives serialized from the single reactor goroutine, so it needs no
// locking of its own — gorilla/websocket only forbids concurrent writes,
// and the reactor never makes concurrent calls into the same Session.
type wsHandler struct {
	conn *websocket.Conn
}

func (h *wsHandler) WriteMessage(p []byte) error {
	return h.conn.WriteMessage(websocket.BinaryMessage, p)
}

func (h *wsHandler) Close() error {
	return h.conn.Close()
}

var _ session.Handler = (*wsHandler)(nil)
