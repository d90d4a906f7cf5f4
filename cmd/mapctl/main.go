package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"collaborative-mindmap/internal/domain"
	"collaborative-mindmap/internal/protocol"
	"collaborative-mindmap/internal/replica"
	"collaborative-mindmap/internal/transport"
)

const MapCtlVersion = "0.1.0"

const usage = `Mindmap control.

The default server url is ws://localhost:8080.

Usage:
    mapctl watch [options] <room>
    mapctl add-node [options] <room> <label> [--x=<x>] [--y=<y>]
    mapctl move-node [options] <room> <node_id> <x> <y>
    mapctl rename-node [options] <room> <node_id> <label>
    mapctl delete-node [options] <room> <node_id>
    mapctl link [options] <room> <source_id> <target_id>
    mapctl unlink [options] <room> <edge_id>
    mapctl -h | --help
    mapctl --version

Options:
    -h --help            Show this screen.
    --version            Show version.
    --url=<url>          Server url [default: ws://localhost:8080].
    --user=<user>        Participant id, for servers without JWT auth.
    --token=<token>      JWT sent as a bearer token.
    --timeout=<timeout>  How long to wait for the server [default: 10s].
    --x=<x>              Horizontal position [default: 0].
    --y=<y>              Vertical position [default: 0].
    -v --verbose         Log connection state changes.`

var errUsage = errors.New("invalid arguments")

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], MapCtlVersion)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logrus.SetOutput(os.Stderr)
	logrus.SetLevel(logrus.WarnLevel)
	if verbose, _ := opts.Bool("--verbose"); verbose {
		logrus.SetLevel(logrus.InfoLevel)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		err = watch(opts)
	} else {
		err = edit(opts)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "mapctl: %v\n", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// refs records the intent refs issued by the session so the command can
// recognise the server's reply.
type refs struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (r *refs) next() string {
	ref := uuid.NewString()
	r.mu.Lock()
	r.seen[ref] = true
	r.mu.Unlock()
	return ref
}

func (r *refs) ours(ref string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen[ref]
}

type client struct {
	session *transport.Session
	refs    *refs
	timeout time.Duration
}

func connect(opts docopt.Opts) (*client, error) {
	room, _ := opts.String("<room>")
	base, _ := opts.String("--url")
	user, _ := opts.String("--user")
	token, _ := opts.String("--token")
	timeoutStr, _ := opts.String("--timeout")

	timeout, err := time.ParseDuration(timeoutStr)
	if err != nil {
		return nil, fmt.Errorf("%w: --timeout: %v", errUsage, err)
	}
	endpoint, err := roomURL(base, room, user)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	r := &refs{seen: make(map[string]bool)}
	s := transport.NewSession(transport.Config{
		URL:          endpoint,
		RoomID:       room,
		Header:       header,
		JoinTimeout:  timeout,
		RefGenerator: r.next,
	})
	s.Events().OnState(func(from, to transport.State) {
		logrus.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Info("Connection state changed")
	})
	return &client{session: s, refs: r, timeout: timeout}, nil
}

func roomURL(base, room, user string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("%w: --url: %v", errUsage, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path += "/ws/rooms/" + url.PathEscape(room)
	if user != "" {
		q := u.Query()
		q.Set("userId", user)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *client) waitJoined() error {
	deadline := time.After(c.timeout)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for !c.session.Joined() {
		select {
		case <-tick.C:
		case <-deadline:
			return fmt.Errorf("could not join room within %s (state %s)", c.timeout, c.session.State())
		case <-c.session.Done():
			return transport.ErrClosed
		}
	}
	return nil
}

func watch(opts docopt.Opts) error {
	c, err := connect(opts)
	if err != nil {
		return err
	}
	defer c.session.Close()

	c.session.Events().OnAny(func(evt protocol.Event) {
		raw, err := protocol.EncodeEvent(evt)
		if err != nil {
			logrus.WithError(err).Warn("Failed to encode event")
			return
		}
		fmt.Println(string(raw))
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-c.session.Done():
	}
	return nil
}

func edit(opts docopt.Opts) error {
	op, err := parseEdit(opts)
	if err != nil {
		return err
	}
	c, err := connect(opts)
	if err != nil {
		return err
	}
	defer c.session.Close()
	if err := c.waitJoined(); err != nil {
		return err
	}

	replies := make(chan protocol.Event, 1)
	cancel := c.session.Events().OnAny(func(evt protocol.Event) {
		if evt.Ref == "" || !c.refs.ours(evt.Ref) {
			return
		}
		select {
		case replies <- evt:
		default:
		}
	})
	defer cancel()

	if err := op(c.session); err != nil {
		return err
	}

	select {
	case evt := <-replies:
		return report(evt)
	case <-time.After(c.timeout):
		return fmt.Errorf("no reply from server within %s", c.timeout)
	}
}

type editFunc func(s *transport.Session) error

func parseEdit(opts docopt.Opts) (editFunc, error) {
	str := func(key string) string {
		v, _ := opts.String(key)
		return v
	}
	num := func(key string) (float64, error) {
		f, err := strconv.ParseFloat(str(key), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be a number", errUsage, key)
		}
		return f, nil
	}
	is := func(cmd string) bool {
		v, _ := opts.Bool(cmd)
		return v
	}

	switch {
	case is("add-node"):
		x, err := num("--x")
		if err != nil {
			return nil, err
		}
		y, err := num("--y")
		if err != nil {
			return nil, err
		}
		label := str("<label>")
		return func(s *transport.Session) error {
			_, err := s.CreateNode(label, domain.Position{X: x, Y: y})
			return err
		}, nil
	case is("move-node"):
		x, err := num("<x>")
		if err != nil {
			return nil, err
		}
		y, err := num("<y>")
		if err != nil {
			return nil, err
		}
		id := str("<node_id>")
		return func(s *transport.Session) error {
			return s.UpdateNode(replica.ByID(id), domain.NodePatch{Position: domain.PositionPtr(x, y)})
		}, nil
	case is("rename-node"):
		id, label := str("<node_id>"), str("<label>")
		return func(s *transport.Session) error {
			return s.UpdateNode(replica.ByID(id), domain.NodePatch{Label: domain.LabelPtr(label)})
		}, nil
	case is("delete-node"):
		id := str("<node_id>")
		return func(s *transport.Session) error {
			return s.DeleteNode(replica.ByID(id))
		}, nil
	case is("link"):
		source, target := str("<source_id>"), str("<target_id>")
		return func(s *transport.Session) error {
			_, err := s.CreateEdge(replica.ByID(source), replica.ByID(target))
			return err
		}, nil
	case is("unlink"):
		id := str("<edge_id>")
		return func(s *transport.Session) error {
			return s.DeleteEdge(replica.ByID(id))
		}, nil
	}
	return nil, errUsage
}

// report prints the id of a created entity or the server's error.
func report(evt protocol.Event) error {
	switch p := evt.Payload.(type) {
	case *protocol.Error:
		return fmt.Errorf("server rejected the edit: %s: %s", p.Code, p.Message)
	case *protocol.NodeCreated:
		fmt.Println(p.ID)
	case *protocol.EdgeCreated:
		fmt.Println(p.ID)
	default:
		fmt.Printf("ok (version %d)\n", evt.Seq)
	}
	return nil
}
