// Package terminal is the SSH Client Factory: it turns raw connection
// arguments into an authenticated SSH client and a non-blocking shell
// channel, or a typed failure whose message is safe to hand back to the
// browser verbatim.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	cryptossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// connectTimeout bounds the SSH handshake.
const connectTimeout = 6 * time.Second

// Args carries the parameters submitted to POST / before they become a
// Session. Port is already validated to be in 1..65535 by ParsePort.
type Args struct {
	Host                 string
	Port                 int
	Username             string
	Password             string
	PrivateKey           []byte
	PrivateKeyPassphrase string
}

// ParsePort validates the raw port value from the request body (string or
// number), rejecting anything outside 1..65535 or not numeric.
func ParsePort(raw string) (int, error) {
	port, err := strconv.Atoi(raw)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("Invalid port %s", raw)
	}
	return port, nil
}

// Validate enforces the required-field rule: hostname and username must be
// non-empty; password and private key are each optional.
func (a Args) Validate() error {
	if a.Host == "" {
		return errors.New("Empty hostname")
	}
	if a.Username == "" {
		return errors.New("Empty username")
	}
	return nil
}

// Factory opens authenticated SSH connections. It holds no per-connection
// state; a single Factory is shared by every request.
type Factory struct {
	// KnownHostsPath, if set, is consulted for host key verification.
	// A host absent from the file (including an empty/missing file) is
	// accepted rather than rejected — host-key pinning is out of scope —
	// and is not persisted back to disk.
	KnownHostsPath string
}

// Open performs the handshake and returns an authenticated client plus a
// non-blocking interactive shell channel. The returned error, when non-nil,
// carries a message safe to return to the caller verbatim.
func (f *Factory) Open(ctx context.Context, args Args) (*cryptossh.Client, *NonBlockingChannel, string, error) {
	if err := args.Validate(); err != nil {
		return nil, nil, "", err
	}

	auths, err := f.authMethods(args)
	if err != nil {
		return nil, nil, "", err
	}

	destAddr := net.JoinHostPort(args.Host, strconv.Itoa(args.Port))

	clientCfg := &cryptossh.ClientConfig{
		User:            args.Username,
		Auth:            auths,
		HostKeyCallback: f.hostKeyCallback(),
		Timeout:         connectTimeout,
	}

	client, err := dial(ctx, destAddr, clientCfg)
	if err != nil {
		if errors.Is(err, errAuthFailed) {
			return nil, nil, "", errors.New("Authentication failed.")
		}
		return nil, nil, "", fmt.Errorf("Unable to connect to %s", destAddr)
	}

	rawChannel, err := openShellChannel(client)
	if err != nil {
		client.Close()
		return nil, nil, "", fmt.Errorf("Unable to connect to %s", destAddr)
	}

	channel, err := newNonBlockingChannel(rawChannel)
	if err != nil {
		rawChannel.Close()
		client.Close()
		return nil, nil, "", fmt.Errorf("Unable to connect to %s", destAddr)
	}

	return client, channel, destAddr, nil
}

// ptyRequestPayload is the wire payload of an SSH "pty-req" channel
// request, RFC 4254 §6.2.
type ptyRequestPayload struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

// openShellChannel opens a "session" channel and starts an interactive
// shell on it directly against the client's transport, bypassing
// golang.org/x/crypto/ssh's Session type — Session owns its channel
// privately and exposes only io.Reader/io.WriteCloser pipes, but the
// reactor needs the raw ssh.Channel to build the self-pipe wrapper around.
func openShellChannel(client *cryptossh.Client) (cryptossh.Channel, error) {
	channel, requests, err := client.Conn.OpenChannel("session", nil)
	if err != nil {
		return nil, err
	}
	go cryptossh.DiscardRequests(requests)

	ptyPayload := cryptossh.Marshal(ptyRequestPayload{
		Term:    "xterm",
		Columns: 80,
		Rows:    24,
	})
	if _, err := channel.SendRequest("pty-req", true, ptyPayload); err != nil {
		channel.Close()
		return nil, err
	}
	if _, err := channel.SendRequest("shell", true, nil); err != nil {
		channel.Close()
		return nil, err
	}
	return channel, nil
}

var errAuthFailed = errors.New("ssh: auth failed")

func dial(ctx context.Context, addr string, cfg *cryptossh.ClientConfig) (*cryptossh.Client, error) {
	type result struct {
		client *cryptossh.Client
		err    error
	}
	done := make(chan result, 1)

	go func() {
		conn, err := net.DialTimeout("tcp", addr, cfg.Timeout)
		if err != nil {
			done <- result{nil, err}
			return
		}
		c, chans, reqs, err := cryptossh.NewClientConn(conn, addr, cfg)
		if err != nil {
			conn.Close()
			if isAuthError(err) {
				done <- result{nil, errAuthFailed}
				return
			}
			done <- result{nil, err}
			return
		}
		done <- result{cryptossh.NewClient(c, chans, reqs), nil}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.client, r.err
	}
}

// isAuthError reports whether err came from a failed/exhausted auth
// handshake rather than a network-level dial failure. x/crypto/ssh does
// not export a richer taxonomy than *ssh.ClientAuthError for this.
func isAuthError(err error) bool {
	var clientAuthErr *cryptossh.ClientAuthError
	return errors.As(err, &clientAuthErr)
}

func (f *Factory) authMethods(args Args) ([]cryptossh.AuthMethod, error) {
	var methods []cryptossh.AuthMethod

	if len(args.PrivateKey) > 0 {
		signer, err := parsePrivateKey(args.PrivateKey, args.PrivateKeyPassphrase)
		if err != nil {
			return nil, err
		}
		methods = append(methods, cryptossh.PublicKeys(signer))
	}
	if args.Password != "" {
		methods = append(methods, cryptossh.Password(args.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("Authentication failed.")
	}
	return methods, nil
}

func (f *Factory) hostKeyCallback() cryptossh.HostKeyCallback {
	if f.KnownHostsPath == "" {
		return cryptossh.InsecureIgnoreHostKey() //nolint:gosec // host-key pinning is out of scope
	}
	strict, err := knownhosts.New(f.KnownHostsPath)
	if err != nil {
		return cryptossh.InsecureIgnoreHostKey() //nolint:gosec // missing/unreadable known_hosts falls back to accept-all
	}
	return func(hostname string, remote net.Addr, key cryptossh.PublicKey) error {
		if err := strict(hostname, remote, key); err != nil {
			var keyErr *knownhosts.KeyError
			if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
				// Host absent from known_hosts: accept, matching the
				// "unknown host keys are added automatically" behavior —
				// we don't persist it back to disk (see SPEC_FULL.md §4.2).
				return nil
			}
			return err
		}
		return nil
	}
}
