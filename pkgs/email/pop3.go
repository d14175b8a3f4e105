package email

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	"github.com/sirupsen/logrus"
)

const defaultPOP3Timeout = 10 * time.Second

// POP3Config holds POP3 configuration
type POP3Config struct {
	Host string
	Port int
	SSL  bool
	// FetchBody uses RETR instead of TOP so bodies are populated.
	FetchBody bool
	Timeout   time.Duration
	TLSConfig *tls.Config
}

// POP3Client reports the POP3 maildrop as unread mail. POP3 has no seen
// flag; servers such as Gmail drop messages from the POP view once they
// have been downloaded, so everything still listed counts as unread.
// Every call opens its own session and leaves the maildrop untouched.
type POP3Client struct {
	Base
	config POP3Config
}

var _ MailClient = (*POP3Client)(nil)

// NewPOP3Client creates a new POP3 client
func NewPOP3Client(config POP3Config) *POP3Client {
	if config.Timeout <= 0 {
		config.Timeout = defaultPOP3Timeout
	}
	return &POP3Client{config: config}
}

// Init opens one session to check the server and the credentials.
func (c *POP3Client) Init(ctx context.Context) error {
	if _, err := c.RequireCredentials(); err != nil {
		return err
	}
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	count, _, err := conn.stat()
	conn.quit()
	if err != nil {
		return &FetchError{Op: "POP3 STAT", Err: err}
	}
	c.Logger().WithFields(logrus.Fields{
		"server": c.addr(),
		"user":   c.LoginCredentials().Username,
		"unread": count,
	}).Info("POP3 client initialized")
	c.MarkInitialized()
	return nil
}

// UnreadMessages lists the maildrop in server order (oldest first).
func (c *POP3Client) UnreadMessages(ctx context.Context) ([]*Message, error) {
	if err := c.RequireInitialized(); err != nil {
		return nil, err
	}
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.quit()

	count, _, err := conn.stat()
	if err != nil {
		return nil, &FetchError{Op: "POP3 STAT", Err: err}
	}
	if count == 0 {
		return []*Message{}, nil
	}

	uids := map[int]string{}
	if list, err := conn.uidl(); err == nil {
		for _, id := range list {
			uids[id.ID] = id.UID
		}
	}
	sizes := map[int]int{}
	if list, err := conn.list(); err == nil {
		for _, id := range list {
			sizes[id.ID] = id.Size
		}
	}

	messages := make([]*Message, 0, count)
	for id := 1; id <= count; id++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var entity *gomessage.Entity
		if c.config.FetchBody {
			entity, err = conn.retr(id)
		} else {
			entity, err = conn.top(id, 0)
			if err != nil {
				entity, err = conn.retr(id)
			}
		}
		if err != nil {
			return nil, &FetchError{Op: fmt.Sprintf("POP3 fetch %d", id), Err: err}
		}

		msg := MessageFromEntity(entity, c.config.FetchBody)
		msg.ID = uids[id]
		if msg.ID == "" {
			msg.ID = strconv.Itoa(id)
		}
		msg.UID = uint32(id)
		msg.SeqNum = uint32(id)
		msg.Size = uint32(sizes[id])
		messages = append(messages, msg)
	}
	c.Logger().WithField("unread", len(messages)).Debug("POP3 maildrop fetched")
	return messages, nil
}

// Close scrubs the credentials; POP3 holds no connection between calls.
func (c *POP3Client) Close() error {
	c.Reset()
	return nil
}

func (c *POP3Client) addr() string {
	return net.JoinHostPort(c.config.Host, strconv.Itoa(c.config.Port))
}

// connect dials and authenticates to the POP3 server.
func (c *POP3Client) connect(ctx context.Context) (*pop3Conn, error) {
	creds, err := c.RequireCredentials()
	if err != nil {
		return nil, err
	}
	addr := c.addr()
	dialer := &net.Dialer{Timeout: c.config.Timeout}

	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &FetchError{Op: "connect " + addr, Err: err}
	}
	conn := &pop3Conn{conn: netConn, timeout: c.config.Timeout}
	conn.deadline, _ = ctx.Deadline()
	conn.armDeadline()

	if c.config.SSL {
		tlsConfig := c.config.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: c.config.Host}
		}
		tlsConn := tls.Client(netConn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			netConn.Close()
			return nil, &FetchError{Op: "TLS handshake " + addr, Err: err}
		}
		netConn = tlsConn
	}
	conn.conn = netConn
	conn.r = bufio.NewReader(netConn)
	conn.w = bufio.NewWriter(netConn)

	if _, err := conn.readOne(); err != nil {
		netConn.Close()
		return nil, &FetchError{Op: "POP3 greeting", Err: err}
	}

	if err := conn.auth(creds.Username, creds.Password); err != nil {
		netConn.Close()
		return nil, &FetchError{Op: "POP3 login", Err: fmt.Errorf("%w: %v", ErrAuthFailed, err)}
	}

	return conn, nil
}

// ---------- low-level POP3 protocol ----------

type pop3MessageID struct {
	ID   int
	Size int
	UID  string
}

var (
	pop3LineBreak   = []byte("\r\n")
	pop3RespOK      = []byte("+OK")
	pop3RespOKInfo  = []byte("+OK ")
	pop3RespErr     = []byte("-ERR")
	pop3RespErrInfo = []byte("-ERR ")
)

// pop3Conn is a raw POP3 connection. Every command gets timeout to
// complete, capped by the context deadline.
type pop3Conn struct {
	conn     net.Conn
	r        *bufio.Reader
	w        *bufio.Writer
	timeout  time.Duration
	deadline time.Time
}

func (c *pop3Conn) armDeadline() {
	d := time.Now().Add(c.timeout)
	if !c.deadline.IsZero() && c.deadline.Before(d) {
		d = c.deadline
	}
	c.conn.SetDeadline(d)
}

// send writes a POP3 command line.
func (c *pop3Conn) send(line []byte) error {
	c.armDeadline()
	if _, err := c.w.Write(line); err != nil {
		return err
	}
	if _, err := c.w.Write(pop3LineBreak); err != nil {
		return err
	}
	return c.w.Flush()
}

// cmd sends a command and reads the response.
// If isMulti is true, it reads until the "." terminator.
func (c *pop3Conn) cmd(cmd string, isMulti bool, args ...interface{}) (*bytes.Buffer, error) {
	line := cmd
	for _, a := range args {
		line += " " + fmt.Sprint(a)
	}
	if err := c.send([]byte(line)); err != nil {
		return nil, err
	}

	b, err := c.readOne()
	if err != nil {
		return nil, err
	}
	if !isMulti {
		return bytes.NewBuffer(b), nil
	}
	return c.readAll()
}

// readLine reads one line of any length without its line ending.
func (c *pop3Conn) readLine() ([]byte, error) {
	b, err := c.r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return bytes.TrimRight(b, "\r\n"), nil
}

// readOne reads a single-line response and checks +OK/-ERR.
func (c *pop3Conn) readOne() ([]byte, error) {
	b, err := c.readLine()
	if err != nil {
		return nil, err
	}
	return parsePOP3Resp(b)
}

// readAll reads lines until the POP3 multiline terminator ".".
func (c *pop3Conn) readAll() (*bytes.Buffer, error) {
	buf := &bytes.Buffer{}
	for {
		b, err := c.readLine()
		if err != nil {
			return nil, err
		}
		if bytes.Equal(b, []byte(".")) {
			break
		}
		if bytes.HasPrefix(b, []byte("..")) {
			b = b[1:]
		}
		buf.Write(b)
		buf.Write(pop3LineBreak)
	}
	return buf, nil
}

// auth authenticates with USER/PASS. The PASS line is built in a scratch
// buffer that is zeroed afterwards.
func (c *pop3Conn) auth(user string, password []byte) error {
	if _, err := c.cmd("USER", false, user); err != nil {
		return err
	}
	line := make([]byte, 0, len("PASS ")+len(password))
	line = append(line, "PASS "...)
	line = append(line, password...)
	err := c.send(line)
	for i := range line {
		line[i] = 0
	}
	if err != nil {
		return err
	}
	_, err = c.readOne()
	return err
}

// stat returns message count and total size.
func (c *pop3Conn) stat() (count, size int, err error) {
	b, err := c.cmd("STAT", false)
	if err != nil {
		return 0, 0, err
	}
	f := bytes.Fields(b.Bytes())
	if len(f) < 2 {
		return 0, 0, fmt.Errorf("POP3: malformed STAT response %q", b.String())
	}
	count, _ = strconv.Atoi(string(f[0]))
	size, _ = strconv.Atoi(string(f[1]))
	return count, size, nil
}

// list returns all message IDs and sizes.
func (c *pop3Conn) list() ([]pop3MessageID, error) {
	buf, err := c.cmd("LIST", true)
	if err != nil {
		return nil, err
	}
	var out []pop3MessageID
	for _, l := range bytes.Split(buf.Bytes(), pop3LineBreak) {
		f := bytes.Fields(l)
		if len(f) < 2 {
			continue
		}
		id, _ := strconv.Atoi(string(f[0]))
		sz, _ := strconv.Atoi(string(f[1]))
		out = append(out, pop3MessageID{ID: id, Size: sz})
	}
	return out, nil
}

// uidl returns all message IDs and unique ids.
func (c *pop3Conn) uidl() ([]pop3MessageID, error) {
	buf, err := c.cmd("UIDL", true)
	if err != nil {
		return nil, err
	}
	var out []pop3MessageID
	for _, l := range bytes.Split(buf.Bytes(), pop3LineBreak) {
		f := bytes.Fields(l)
		if len(f) < 2 {
			continue
		}
		id, _ := strconv.Atoi(string(f[0]))
		out = append(out, pop3MessageID{ID: id, UID: string(f[1])})
	}
	return out, nil
}

// retr downloads and parses a message.
func (c *pop3Conn) retr(msgID int) (*gomessage.Entity, error) {
	b, err := c.cmd("RETR", true, msgID)
	if err != nil {
		return nil, err
	}
	return readPOP3Entity(b)
}

// top retrieves headers + numLines body lines.
func (c *pop3Conn) top(msgID, numLines int) (*gomessage.Entity, error) {
	b, err := c.cmd("TOP", true, msgID, numLines)
	if err != nil {
		return nil, err
	}
	return readPOP3Entity(b)
}

// quit sends QUIT and closes the connection.
func (c *pop3Conn) quit() error {
	c.cmd("QUIT", false) //nolint: ignore QUIT errors
	return c.conn.Close()
}

func readPOP3Entity(b *bytes.Buffer) (*gomessage.Entity, error) {
	m, err := gomessage.Read(b)
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, err
	}
	return m, nil
}

func parsePOP3Resp(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if bytes.Equal(b, pop3RespOK) {
		return nil, nil
	}
	if bytes.HasPrefix(b, pop3RespOKInfo) {
		return bytes.TrimPrefix(b, pop3RespOKInfo), nil
	}
	if bytes.Equal(b, pop3RespErr) {
		return nil, errors.New("POP3: unknown error")
	}
	if bytes.HasPrefix(b, pop3RespErrInfo) {
		return nil, fmt.Errorf("POP3: %s", strings.TrimSpace(string(bytes.TrimPrefix(b, pop3RespErrInfo))))
	}
	return nil, fmt.Errorf("POP3: unexpected response: %s", string(b))
}
