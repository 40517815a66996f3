package ldap

import (
	"context"
	"fmt"

	"github.com/TheSmallBoat/ldapwire/lib"
)

type SearchResult struct {
	Entries   []Entry
	Referrals []Referral
}

// SearchItem is one search result: an entry or a continuation reference.
type SearchItem struct {
	Entry    *Entry
	Referral Referral
}

// SearchStream yields the results of one search as they arrive.
type SearchStream struct {
	r    *lib.PendingRequest
	done bool
}

// MessageID returns the id of the search, usable with Conn.Abandon.
func (s *SearchStream) MessageID() uint32 { return s.r.ID() }

// Next returns the next result, or nil once the search completed
// successfully. Cancelling ctx abandons the search.
func (s *SearchStream) Next(ctx context.Context) (*SearchItem, error) {
	for !s.done {
		res, err := s.r.Take(ctx, true)
		if err != nil {
			s.done = true
			s.r.Abandon(nil)
			return nil, err
		}
		if res == nil {
			s.done = true
			return nil, &Error{Code: lib.ResultUserCancelled, Message: lib.ErrAbandoned.Error(), Err: lib.ErrAbandoned}
		}
		if res.Err != nil {
			s.done = true
			return nil, responseError(res)
		}

		switch res.Op {
		case lib.OpSearchResultEntry:
			entry, err := UnmarshalEntry(res.Body)
			if err != nil {
				return nil, fmt.Errorf("failed to decode entry: %w", err)
			}
			return &SearchItem{Entry: &entry}, nil
		case lib.OpSearchResultReference:
			ref, err := UnmarshalReferral(res.Body)
			if err != nil {
				return nil, fmt.Errorf("failed to decode referral: %w", err)
			}
			return &SearchItem{Referral: ref}, nil
		case lib.OpIntermediateResponse:
			continue
		}

		s.done = true
		return nil, responseError(res)
	}
	return nil, nil
}

// Abandon stops the search, discarding results not yet read.
func (s *SearchStream) Abandon() {
	s.done = true
	s.r.Abandon(nil)
}
