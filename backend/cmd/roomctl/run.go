package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"roomsync/backend/internal/auth"
	"roomsync/backend/internal/model"
	"roomsync/backend/internal/presence"
	"roomsync/backend/internal/session"
	"roomsync/backend/internal/store"
	"roomsync/backend/internal/transcript"
	"roomsync/backend/internal/transport"
	"roomsync/backend/internal/transport/memrelay"
	"roomsync/backend/internal/transport/wsrelay"
)

type options struct {
	relay    string
	room     string
	kind     string
	user     string
	name     string
	token    string
	secret   string
	offline  bool
	logLevel string
}

var errUsage = errors.New("--room and --user are required")

// wsEndpoint http(s)://host → ws(s)://host/relay/ws
func wsEndpoint(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/relay/ws"
	return u.String(), nil
}

func httpBase(base string) string {
	return strings.NewReplacer("ws://", "http://", "wss://", "https://").Replace(strings.TrimSuffix(base, "/"))
}

func collaborators(o options, log *zap.Logger) (transport.Transport, session.Persistence, error) {
	if o.offline {
		return memrelay.New(nil), store.NewMemoryStore(), nil
	}
	token := o.token
	if token == "" && o.secret != "" {
		tok, _, err := auth.NewSigner(o.secret).SignAccessToken(o.user, o.name, time.Hour)
		if err != nil {
			return nil, nil, err
		}
		token = tok
	}
	endpoint, err := wsEndpoint(o.relay)
	if err != nil {
		return nil, nil, err
	}
	tr := wsrelay.New(endpoint, wsrelay.WithToken(token), wsrelay.WithLogger(log.Named("wsrelay")))
	st := store.NewRemoteStore(httpBase(o.relay), store.WithToken(token))
	return tr, st, nil
}

// printer 回调可能来自不同 goroutine，输出串行化
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}

func run(ctx context.Context, o options, log *zap.Logger, in io.Reader, out io.Writer) error {
	if o.room == "" || o.user == "" {
		return errUsage
	}
	if o.name == "" {
		o.name = o.user
	}
	tr, st, err := collaborators(o, log)
	if err != nil {
		return err
	}

	sess, err := session.New(session.Config{
		RoomID: o.room,
		Kind:   model.RoomKind(o.kind),
		Self:   model.Participant{UserID: o.user, DisplayName: o.name},
	}, tr, st, session.WithLogger(log.Named("session")))
	if err != nil {
		return err
	}

	p := &printer{out: out}
	sess.OnConnectionStateChange(func(ch session.StateChange) {
		if ch.Err != nil {
			p.printf("* %s -> %s (%v)", ch.From, ch.To, ch.Err)
			return
		}
		p.printf("* %s -> %s", ch.From, ch.To)
	})
	sess.OnPresenceChange(func(d presence.Diff) {
		for _, j := range d.Joined {
			p.printf("+ %s joined", j.DisplayName)
		}
		for _, l := range d.Left {
			p.printf("- %s left", l.DisplayName)
		}
	})
	sess.OnMessage(func(e transcript.Entry) {
		who := e.SenderName
		if who == "" {
			who = e.SenderID
		}
		p.printf("[%s] %s: %s (%s)", e.SentAt.Format(time.Kitchen), who, e.Content, e.Status)
	})
	sess.OnDocumentChange(func(d model.DocumentState) {
		p.printf("~ doc r%d by %s: %s", d.Revision, d.LastWriterID, d.Content)
	})
	sess.OnSendFailure(func(f session.SendFailure) {
		p.printf("! send %s failed: %v", f.Kind, f.Err)
	})

	if err := sess.Join(ctx); err != nil {
		return err
	}
	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sess.Leave(leaveCtx)
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(sess, p, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func handleLine(sess *session.Session, p *printer, line string) bool {
	switch {
	case line == "":
	case line == "/quit":
		return true
	case line == "/who":
		for _, pt := range sess.GetState().Presence {
			p.printf("  %s (%s)", pt.DisplayName, pt.UserID)
		}
	case line == "/state":
		v := sess.GetState()
		p.printf("  room=%s kind=%s state=%s online=%d", v.RoomID, v.Kind, v.ConnectionState, len(v.Presence))
		if v.Document != nil {
			p.printf("  doc r%d: %s", v.Document.Revision, v.Document.Content)
		}
	case strings.HasPrefix(line, "/doc "):
		if _, err := sess.SendDocumentEdit(strings.TrimPrefix(line, "/doc ")); err != nil {
			p.printf("! %v", err)
		}
	default:
		if _, err := sess.SendMessage(line); err != nil {
			p.printf("! %v", err)
		}
	}
	return false
}
