package connector

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/aurora-admin/aurora/pkg/log"
	"github.com/aurora-admin/aurora/pkg/metrics"
	"github.com/aurora-admin/aurora/pkg/stream"
	"github.com/aurora-admin/aurora/pkg/types"
)

// sudoPrompt is the fixed prompt sudo prints on stdin; it is stripped
// from captured output.
const sudoPrompt = "[sudo] password:"

const defaultTimeout = 10 * time.Second

// Remote is the command surface the reconciler and collector drive.
// Production connections implement it over SSH; tests substitute
// fakes.
type Remote interface {
	// Run executes a command with escalation and publishes its output
	// on the job stream.
	Run(ctx context.Context, cmd string) (string, error)
	// RunQuiet executes without publishing.
	RunQuiet(ctx context.Context, cmd string) (string, error)

	PutFile(ctx context.Context, localPath, remotePath string, ensureSame bool) error
	PutContent(ctx context.Context, content, remotePath, owner, mode string) error
	EnsureFolder(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)

	OSRelease(ctx context.Context) (string, error)
	CombinedUsage(ctx context.Context) (cpu, mem, disk float64, err error)

	Close() error
}

// DialFunc opens a Remote for a server, attributing output to a job.
// The manager builds the production dialer; tests inject fakes.
type DialFunc func(ctx context.Context, server *types.Server, jobID string) (Remote, error)

// Options configures Open
type Options struct {
	// Timeout bounds the TCP dial and SSH handshake.
	Timeout time.Duration

	// KeyFile is a private key path on the control-plane host,
	// resolved by the caller from the server's key-file reference.
	KeyFile string

	// Bus and Job attribute command output to a job stream. Both must
	// be set for publishing to happen.
	Bus *stream.Bus
	Job string
}

// Connection is an authenticated SSH session factory for one server.
// Commands run under a pseudo-terminal so stderr merges into stdout,
// matching what operators see in the captured job output.
type Connection struct {
	server *types.Server
	client *ssh.Client
	sftpc  *sftp.Client

	bus    *stream.Bus
	jobID  string
	logger zerolog.Logger
}

// Open dials a server and authenticates. Password auth, key auth, or
// both; failures of any kind surface as TransportError.
func Open(ctx context.Context, server *types.Server, opts Options) (*Connection, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	addr := net.JoinHostPort(server.Host, strconv.Itoa(server.Port))

	var auth []ssh.AuthMethod
	if server.SSHPassword != "" {
		auth = append(auth, ssh.Password(server.SSHPassword))
	}
	if opts.KeyFile != "" {
		key, err := os.ReadFile(opts.KeyFile)
		if err != nil {
			return nil, &TransportError{Addr: addr, Err: fmt.Errorf("failed to read key file: %v", err)}
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, &TransportError{Addr: addr, Err: fmt.Errorf("failed to parse key file: %v", err)}
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, &TransportError{Addr: addr, Err: errors.New("no credentials configured")}
	}

	cfg := &ssh.ClientConfig{
		User:            server.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		metrics.SSHConnects.WithLabelValues("error").Inc()
		return nil, &TransportError{Addr: addr, Err: err}
	}
	// Bound the handshake too; a TCP-reachable host with a wedged sshd
	// must not hang the worker.
	conn.SetDeadline(time.Now().Add(timeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		metrics.SSHConnects.WithLabelValues("error").Inc()
		return nil, &TransportError{Addr: addr, Err: err}
	}
	conn.SetDeadline(time.Time{})
	metrics.SSHConnects.WithLabelValues("success").Inc()

	c := &Connection{
		server: server,
		client: ssh.NewClient(sshConn, chans, reqs),
		bus:    opts.Bus,
		jobID:  opts.Job,
		logger: log.WithComponent("connector").With().Str("server_id", server.ID).Logger(),
	}
	if c.bus != nil && c.jobID != "" {
		if err := c.bus.RegisterJob(ctx, c.jobID); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to register job stream")
		}
	}
	return c, nil
}

// Run executes a command with escalation and publishes the output on
// the connection's job stream
func (c *Connection) Run(ctx context.Context, cmd string) (string, error) {
	return c.run(ctx, cmd, true)
}

// RunQuiet executes a command without publishing its output
func (c *Connection) RunQuiet(ctx context.Context, cmd string) (string, error) {
	return c.run(ctx, cmd, false)
}

func (c *Connection) run(ctx context.Context, cmd string, publish bool) (string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", &TransportError{Addr: c.addr(), Err: err}
	}
	defer session.Close()

	// The pty merges stderr into stdout and makes sudo prompt on it.
	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm", 40, 80, modes); err != nil {
		return "", &TransportError{Addr: c.addr(), Err: err}
	}

	var output bytes.Buffer
	session.Stdout = &output

	full := cmd
	sudo := c.server.User != "root"
	if sudo {
		full = sudoWrap(cmd)
	}

	var stdin io.WriteCloser
	if sudo && c.server.SudoPassword != "" {
		stdin, err = session.StdinPipe()
		if err != nil {
			return "", &TransportError{Addr: c.addr(), Err: err}
		}
	}

	if err := session.Start(full); err != nil {
		return "", &TransportError{Addr: c.addr(), Err: err}
	}
	if stdin != nil {
		// sudo -S reads the password from stdin as soon as it starts.
		fmt.Fprintln(stdin, c.server.SudoPassword)
		stdin.Close()
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	}

	out := stripPrompt(output.String())
	metrics.RemoteCommands.Inc()
	if publish {
		c.publish(ctx, out)
	}
	if err != nil {
		return out, &CommandError{Cmd: cmd, Output: out, Err: err}
	}
	return out, nil
}

// PutFile uploads a local file. With ensureSame set and the remote
// file present, matching MD5 sums skip the transfer entirely.
func (c *Connection) PutFile(ctx context.Context, localPath, remotePath string, ensureSame bool) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %v", localPath, err)
	}

	exists, err := c.Exists(ctx, remotePath)
	if err != nil {
		return err
	}
	if exists && ensureSame {
		sum := md5.Sum(data)
		localMD5 := hex.EncodeToString(sum[:])
		out, err := c.RunQuiet(ctx, fmt.Sprintf("md5sum %s", remotePath))
		if err == nil {
			fields := strings.Fields(out)
			if len(fields) > 0 && fields[0] == localMD5 {
				return nil
			}
		}
	}

	staging := "/tmp/" + filepath.Base(localPath)
	if err := c.sftpWrite(staging, data); err != nil {
		return err
	}
	if err := c.EnsureFolder(ctx, filepath.Dir(remotePath)); err != nil {
		return err
	}
	if _, err := c.RunQuiet(ctx, fmt.Sprintf("mv %s %s", staging, remotePath)); err != nil {
		return fmt.Errorf("failed to move %s into place: %v", remotePath, err)
	}
	return nil
}

// PutContent writes content to a remote path via a temp file, with
// optional ownership and mode
func (c *Connection) PutContent(ctx context.Context, content, remotePath, owner, mode string) error {
	if err := c.EnsureFolder(ctx, filepath.Dir(remotePath)); err != nil {
		return err
	}

	tmp, err := c.mktemp(ctx)
	if err != nil {
		return err
	}
	if err := c.sftpWrite(tmp, []byte(content)); err != nil {
		return err
	}
	if _, err := c.RunQuiet(ctx, fmt.Sprintf("mv %s %s", tmp, remotePath)); err != nil {
		return fmt.Errorf("failed to move %s into place: %v", remotePath, err)
	}
	if owner != "" {
		if _, err := c.RunQuiet(ctx, fmt.Sprintf("chown %s %s", owner, remotePath)); err != nil {
			return fmt.Errorf("failed to chown %s: %v", remotePath, err)
		}
	}
	if mode != "" {
		if _, err := c.RunQuiet(ctx, fmt.Sprintf("chmod %s %s", mode, remotePath)); err != nil {
			return fmt.Errorf("failed to chmod %s: %v", remotePath, err)
		}
	}
	return nil
}

// EnsureFolder creates a directory tree, idempotently
func (c *Connection) EnsureFolder(ctx context.Context, path string) error {
	if _, err := c.RunQuiet(ctx, fmt.Sprintf("mkdir -p %s", path)); err != nil {
		return fmt.Errorf("failed to create %s: %v", path, err)
	}
	return nil
}

// Exists probes a remote path
func (c *Connection) Exists(ctx context.Context, path string) (bool, error) {
	_, err := c.run(ctx, fmt.Sprintf(`test -e "$(echo %s)"`, path), false)
	if err != nil {
		if IsCommand(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Close ends the job stream and tears down the transport. The
// stopword goes out after the bus's configured delay so subscribers
// catch the final lines first.
func (c *Connection) Close() error {
	if c.bus != nil && c.jobID != "" {
		if err := c.bus.PublishStop(context.Background(), c.jobID); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to close job stream")
		}
	}
	if c.sftpc != nil {
		c.sftpc.Close()
	}
	return c.client.Close()
}

func (c *Connection) addr() string {
	return net.JoinHostPort(c.server.Host, strconv.Itoa(c.server.Port))
}

// mktemp allocates a scratch file owned by the login user, so the
// following sftp write needs no escalation.
func (c *Connection) mktemp(ctx context.Context) (string, error) {
	out, err := c.RunQuiet(ctx, "mktemp")
	if err != nil {
		return "", fmt.Errorf("failed to allocate temp file: %v", err)
	}
	return strings.TrimSpace(out), nil
}

func (c *Connection) sftpClient() (*sftp.Client, error) {
	if c.sftpc != nil {
		return c.sftpc, nil
	}
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, &TransportError{Addr: c.addr(), Err: fmt.Errorf("failed to open sftp: %v", err)}
	}
	c.sftpc = client
	return client, nil
}

func (c *Connection) sftpWrite(path string, data []byte) error {
	client, err := c.sftpClient()
	if err != nil {
		return err
	}
	f, err := client.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %v", path, err)
	}
	return nil
}

func (c *Connection) publish(ctx context.Context, line string) {
	if c.bus == nil || c.jobID == "" || line == "" {
		return
	}
	if err := c.bus.Publish(ctx, c.jobID, line); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to publish command output")
	}
}

// sudoWrap escalates a command, feeding the password over stdin via
// the -S prompt
func sudoWrap(cmd string) string {
	return fmt.Sprintf("sudo -S -p '%s' /bin/sh -c %s", sudoPrompt, shellQuote(cmd))
}

// stripPrompt removes sudo prompt noise and trims the output
func stripPrompt(out string) string {
	return strings.TrimSpace(strings.ReplaceAll(out, sudoPrompt, ""))
}

// shellQuote single-quotes a string for POSIX sh
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
