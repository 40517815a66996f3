package ldap

import (
	"context"
	"fmt"
	"time"

	"github.com/TheSmallBoat/ldapwire/lib"
	"github.com/rs/zerolog"
)

// Conn runs directory operations over one multiplexed connection. All
// methods are safe for concurrent use.
type Conn struct {
	conn   *lib.Conn
	client *lib.Client

	timeLimit time.Duration
	log       *zerolog.Logger
}

// Dial connects to cfg.Addr. A nil logger disables logging.
func Dial(ctx context.Context, cfg Config, logger *zerolog.Logger) (*Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := &lib.Client{
		Addr:         cfg.Addr,
		DialTimeout:  cfg.DialTimeout,
		DialAttempts: cfg.Backoff.Attempts,
		Backoff:      cfg.backoff(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Logger:       logger,
	}

	conn, err := client.Dial(ctx)
	if err != nil {
		client.Shutdown()
		return nil, &Error{Code: lib.ResultConnectError, Message: err.Error(), Err: err}
	}

	c := NewConn(conn, cfg.TimeLimit, logger)
	c.client = client
	return c, nil
}

// NewConn wraps a served lib.Conn. A zero timeLimit leaves operations
// without a client-side deadline.
func NewConn(conn *lib.Conn, timeLimit time.Duration, logger *zerolog.Logger) *Conn {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Conn{conn: conn, timeLimit: timeLimit, log: logger}
}

// Conn returns the underlying connection.
func (c *Conn) Conn() *lib.Conn { return c.conn }

// BindProps describes the last successful bind, or nil.
func (c *Conn) BindProps() *lib.BindProps { return c.conn.BindProps() }

// Close sends an unbind notification and closes the connection.
func (c *Conn) Close() error {
	_ = c.conn.WriteNotification(lib.UnbindPacket())
	err := c.conn.Close()
	if c.client != nil {
		c.client.Shutdown()
	}
	return err
}

// Unbind is Close.
func (c *Conn) Unbind() error { return c.Close() }

func (c *Conn) dispatch(ctx context.Context, op lib.OpType, body []byte, bind *lib.BindProps) (*lib.PendingRequest, error) {
	r, err := c.conn.Dispatch(ctx, &lib.Packet{Op: op, Body: body}, c.timeLimit, bind)
	if err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", lib.OpName(op), err)
	}
	return r, nil
}

// wait returns the final reply of r. Cancelling ctx abandons r.
func (c *Conn) wait(ctx context.Context, r *lib.PendingRequest) (*lib.Response, error) {
	for {
		res, err := r.Take(ctx, true)
		if err != nil {
			r.Abandon(nil)
			return nil, err
		}
		if res == nil {
			return nil, &Error{Code: lib.ResultUserCancelled, Message: lib.ErrAbandoned.Error(), Err: lib.ErrAbandoned}
		}
		if res.Err != nil {
			return nil, responseError(res)
		}
		if res.Kind() == lib.KindTerminal {
			return res, nil
		}
	}
}

// do sends one request and returns the decoded result of its final reply.
func (c *Conn) do(ctx context.Context, op lib.OpType, body []byte) (Result, error) {
	r, err := c.dispatch(ctx, op, body, nil)
	if err != nil {
		return Result{}, err
	}
	res, err := c.wait(ctx, r)
	if err != nil {
		return Result{}, err
	}
	if res.Op != lib.ResponseOp(op) {
		return Result{}, fmt.Errorf("%w: %s to %s", ErrUnexpectedOp, lib.OpName(res.Op), lib.OpName(op))
	}
	if err := responseError(res); err != nil {
		return Result{}, err
	}
	return UnmarshalResult(res.Body)
}

// Bind authenticates with a DN and password.
func (c *Conn) Bind(ctx context.Context, dn, password string) error {
	req := BindRequest{Name: dn, Credentials: []byte(password)}

	r, err := c.dispatch(ctx, lib.OpBindRequest, req.AppendTo(nil), &lib.BindProps{DN: dn})
	if err != nil {
		return err
	}
	res, err := c.wait(ctx, r)
	if err != nil {
		return err
	}
	if err := responseError(res); err != nil {
		return err
	}

	c.log.Debug().Str("dn", dn).Msg("simple bind succeeded")
	return nil
}

// SASLBind runs a possibly multi-step SASL bind. The connection's
// authentication slot stays reserved across every round trip, so no other
// bind interleaves and other operations wait until the sequence ends.
func (c *Conn) SASLBind(ctx context.Context, mech Mechanism) error {
	if mech == nil {
		return ErrNoMechanism
	}

	creds, err := mech.Start()
	if err != nil {
		return err
	}

	props := lib.BindProps{DN: mech.Identity(), Mechanism: mech.Name(), MultiStep: true}

	for round := 0; ; round++ {
		bind := props

		req := BindRequest{Name: mech.Identity(), Mechanism: mech.Name(), Credentials: creds}

		r, err := c.dispatch(ctx, lib.OpBindRequest, req.AppendTo(nil), &bind)
		if err != nil {
			return err
		}
		if props.Sequence == 0 {
			props.Sequence = r.ID()
		}

		res, err := c.wait(ctx, r)
		if err != nil {
			return err
		}

		if res.Result != lib.ResultSaslBindInProgress {
			if err := responseError(res); err != nil {
				return err
			}
			c.log.Debug().Str("dn", props.DN).Str("mechanism", props.Mechanism).Int("round_trips", round+1).Msg("sasl bind succeeded")
			return nil
		}

		result, err := UnmarshalResult(res.Body)
		if err == nil {
			creds, err = mech.Next(result.Data)
		}
		if err != nil {
			c.conn.AbortBindSequence()
			return fmt.Errorf("sasl %s round %d: %w", mech.Name(), round+1, err)
		}
	}
}

// Search runs req and collects every entry and referral. A result other
// than success is returned as an error together with what was collected.
func (c *Conn) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	stream, err := c.SearchAsync(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &SearchResult{}
	for {
		item, err := stream.Next(ctx)
		if err != nil {
			return result, err
		}
		if item == nil {
			return result, nil
		}
		if item.Entry != nil {
			result.Entries = append(result.Entries, *item.Entry)
		}
		if item.Referral != nil {
			result.Referrals = append(result.Referrals, item.Referral)
		}
	}
}

// SearchAsync sends req and returns a stream of its results.
func (c *Conn) SearchAsync(ctx context.Context, req SearchRequest) (*SearchStream, error) {
	r, err := c.dispatch(ctx, lib.OpSearchRequest, req.AppendTo(nil), nil)
	if err != nil {
		return nil, err
	}
	return &SearchStream{r: r}, nil
}

func (c *Conn) Add(ctx context.Context, entry Entry) error {
	_, err := c.do(ctx, lib.OpAddRequest, entry.AppendTo(nil))
	return err
}

func (c *Conn) Modify(ctx context.Context, req ModifyRequest) error {
	_, err := c.do(ctx, lib.OpModifyRequest, req.AppendTo(nil))
	return err
}

func (c *Conn) Delete(ctx context.Context, dn string) error {
	_, err := c.do(ctx, lib.OpDelRequest, AppendDN(nil, dn))
	return err
}

func (c *Conn) ModifyDN(ctx context.Context, req ModifyDNRequest) error {
	_, err := c.do(ctx, lib.OpModifyDNRequest, req.AppendTo(nil))
	return err
}

// Compare reports whether the entry at dn holds value for attribute.
func (c *Conn) Compare(ctx context.Context, dn, attribute, value string) (bool, error) {
	req := CompareRequest{DN: dn, Attribute: attribute, Value: value}

	r, err := c.dispatch(ctx, lib.OpCompareRequest, req.AppendTo(nil), nil)
	if err != nil {
		return false, err
	}
	res, err := c.wait(ctx, r)
	if err != nil {
		return false, err
	}

	switch res.Result {
	case lib.ResultCompareTrue:
		return true, nil
	case lib.ResultCompareFalse:
		return false, nil
	}
	if err := responseError(res); err != nil {
		return false, err
	}
	return false, fmt.Errorf("%w: compare returned success", ErrUnexpectedOp)
}

// Extended runs an extended operation and returns the response value.
func (c *Conn) Extended(ctx context.Context, req ExtendedRequest) ([]byte, error) {
	result, err := c.do(ctx, lib.OpExtendedRequest, req.AppendTo(nil))
	if err != nil {
		return nil, err
	}
	return result.Data, nil
}

// Abandon cancels the outstanding operation id. Its consumer observes a
// user-cancelled failure.
func (c *Conn) Abandon(id uint32) error {
	if r, ok := c.conn.Lookup(id); ok {
		r.Abandon(lib.ErrAbandoned)
		return nil
	}
	return c.conn.WriteNotification(lib.AbandonPacket(id))
}
