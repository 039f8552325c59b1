// Package hypervisor implements the text-line TCP control plane: a
// module/command dispatch table, a line tokenizer handling quoted
// strings and comments, and the NNN[-| ]text\r\n reply protocol.
// Grounded on dynamips's common/hypervisor.c (spec §4.14, §6).
package hypervisor

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/dynamips-go/dynamips/internal/mlog"
	"github.com/google/uuid"
)

// Status codes, per spec §4.14.
const (
	InfoOK       = 100
	InfoMsg      = 101
	ErrUnkModule = 200
	ErrUnkCmd    = 201
	ErrBadParam  = 202
	ErrParsing   = 203
	ErrUnkObj    = 204
	ErrBadObj    = 205
	ErrFile      = 206
	ErrStart     = 207
	ErrInvParam  = 208
)

// CommandFunc handles one dispatched command; args excludes the
// module/command tokens. Returning an error other than *ReplyError
// is reported as ErrBadParam with the error's text.
type CommandFunc func(args []string) (string, error)

// ReplyError carries an explicit status code for the reply line.
type ReplyError struct {
	Code int
	Msg  string
}

func (e *ReplyError) Error() string { return e.Msg }

// Fail constructs a ReplyError.
func Fail(code int, format string, a ...interface{}) error {
	return &ReplyError{Code: code, Msg: fmt.Sprintf(format, a...)}
}

// Module is a named command table, e.g. "vm", "nio", "ethsw".
type Module struct {
	Name     string
	Commands map[string]CommandFunc
}

// Server is the hypervisor TCP line server.
type Server struct {
	log     *mlog.Logger
	version string

	mu      sync.Mutex
	modules map[string]*Module
	ln      net.Listener
	wg      sync.WaitGroup
	active  bool
}

// New creates a server with the built-in "hypervisor" core module
// already registered.
func New(log *mlog.Logger, version string) *Server {
	if log == nil {
		log = mlog.Discard()
	}
	s := &Server{log: log, version: version, modules: make(map[string]*Module), active: true}
	s.RegisterModule(s.coreModule())
	return s
}

// RegisterModule installs (or replaces) a module's command table.
func (s *Server) RegisterModule(m *Module) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules[m.Name] = m
}

// Listen starts accepting clients at addr.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("hypervisor: listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.serveClient(conn)
	}
}

// Stop sets active=false, closes the listener, and waits for the accept
// loop and every client goroutine to return. It does not close client
// connections: a client blocked in a read keeps Stop waiting until that
// client sends another line or disconnects.
func (s *Server) Stop() {
	s.mu.Lock()
	s.active = false
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
}

func (s *Server) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Server) serveClient(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	r := bufio.NewReader(conn)
	for s.isActive() {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		tokens, err := tokenize(line)
		if err != nil {
			writeReply(conn, ErrParsing, err.Error())
			continue
		}
		if len(tokens) == 0 {
			continue // comment-only or blank
		}

		s.dispatch(conn, tokens)
	}
}

func (s *Server) dispatch(conn net.Conn, tokens []string) {
	modName := tokens[0]
	s.mu.Lock()
	mod, ok := s.modules[modName]
	s.mu.Unlock()
	if !ok {
		writeReply(conn, ErrUnkModule, fmt.Sprintf("unknown module %q", modName))
		return
	}

	if len(tokens) < 2 {
		writeReply(conn, ErrUnkCmd, "missing command")
		return
	}
	cmdName := tokens[1]
	cmd, ok := mod.Commands[cmdName]
	if !ok {
		writeReply(conn, ErrUnkCmd, fmt.Sprintf("unknown command %q in module %q", cmdName, modName))
		return
	}

	result, err := cmd(tokens[2:])
	if err != nil {
		if re, ok := err.(*ReplyError); ok {
			writeReply(conn, re.Code, re.Msg)
		} else {
			writeReply(conn, ErrBadParam, err.Error())
		}
		return
	}
	writeReply(conn, InfoOK, result)
}

// writeReply emits each line of msg, continuation lines using '-' and
// the final line using ' ' per spec §4.14/§6.
func writeReply(conn net.Conn, code int, msg string) {
	lines := strings.Split(msg, "\n")
	for i, l := range lines {
		sep := byte('-')
		if i == len(lines)-1 {
			sep = ' '
		}
		fmt.Fprintf(conn, "%d%c%s\r\n", code, sep, l)
	}
}

// tokenize implements the blank/quoted-string/comment/newline parser:
// space-separated tokens, double-quoted tokens may contain spaces, and
// '#' or '!' begin a line comment.
func tokenize(line string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inQuotes := false
	haveToken := false

	flush := func() {
		if haveToken {
			tokens = append(tokens, cur.String())
			cur.Reset()
			haveToken = false
		}
	}

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case inQuotes:
			if c == '"' {
				inQuotes = false
			} else {
				cur.WriteByte(c)
			}
		case c == '"':
			inQuotes = true
			haveToken = true
		case c == ' ' || c == '\t':
			flush()
		case c == '#' || c == '!':
			flush()
			return tokens, nil
		default:
			cur.WriteByte(c)
			haveToken = true
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("unterminated quoted string")
	}
	flush()
	return tokens, nil
}

func (s *Server) coreModule() *Module {
	return &Module{
		Name: "hypervisor",
		Commands: map[string]CommandFunc{
			"version": func(args []string) (string, error) {
				return s.version, nil
			},
			"uuid": func(args []string) (string, error) {
				return uuid.New().String(), nil
			},
			"module_list": func(args []string) (string, error) {
				s.mu.Lock()
				defer s.mu.Unlock()
				names := make([]string, 0, len(s.modules))
				for n := range s.modules {
					names = append(names, n)
				}
				return strings.Join(names, "\n"), nil
			},
			"cmd_list": func(args []string) (string, error) {
				if len(args) != 1 {
					return "", Fail(ErrBadParam, "usage: cmd_list <module>")
				}
				s.mu.Lock()
				mod, ok := s.modules[args[0]]
				s.mu.Unlock()
				if !ok {
					return "", Fail(ErrUnkModule, "unknown module %q", args[0])
				}
				names := make([]string, 0, len(mod.Commands))
				for n := range mod.Commands {
					names = append(names, n)
				}
				return strings.Join(names, "\n"), nil
			},
			"parser_test": func(args []string) (string, error) {
				lines := append(append([]string(nil), args...), "OK")
				return strings.Join(lines, "\n"), nil
			},
			"close": func(args []string) (string, error) {
				return "", nil
			},
			"stop": func(args []string) (string, error) {
				go s.Stop()
				return "", nil
			},
		},
	}
}
