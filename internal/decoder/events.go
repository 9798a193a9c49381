// Package decoder turns raw ledger output into domain values: program log
// lines into events, and market account data into MarketAccount.
package decoder

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/alanyoungcy/predictindexer/internal/domain"
	"github.com/alanyoungcy/predictindexer/internal/platform/solana"
)

// ProgramDataPrefix marks a log line carrying a base64 event payload.
const ProgramDataPrefix = "Program data: "

// Event discriminators: the first eight bytes of every payload.
var (
	BetPlacedDiscriminator      = [8]byte{88, 88, 145, 226, 126, 206, 32, 0}
	MarketResolvedDiscriminator = [8]byte{89, 67, 230, 95, 143, 106, 199, 202}
	PayoutClaimedDiscriminator  = [8]byte{200, 39, 105, 112, 116, 63, 58, 149}
)

const (
	betPlacedLen      = 89
	marketResolvedLen = 33
	payoutClaimedLen  = 64
)

// DecodeLogs decodes every event line in a transaction's logs. A line that
// fails to decode is reported in errs and does not affect the other lines.
// Lines without the data prefix and unknown discriminators are skipped.
func DecodeLogs(lines []string) (events []domain.Event, errs []error) {
	for i, line := range lines {
		ev, err := DecodeLine(line)
		if err != nil {
			errs = append(errs, fmt.Errorf("decoder: line %d: %w", i, err))
			continue
		}
		if ev != nil {
			events = append(events, ev)
		}
	}
	return events, errs
}

// DecodeLine decodes a single log line. It returns a nil event and nil error
// for lines that carry no recognised event.
func DecodeLine(line string) (domain.Event, error) {
	payload, ok := strings.CutPrefix(line, ProgramDataPrefix)
	if !ok {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", domain.ErrMalformedEvent, err)
	}
	ev, err := DecodeEvent(data)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownEvent) {
			return nil, nil
		}
		return nil, err
	}
	return ev, nil
}

// DecodeEvent decodes a raw event payload. Unknown discriminators return
// domain.ErrUnknownEvent unwrapped.
func DecodeEvent(data []byte) (domain.Event, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: %d bytes, no discriminator", domain.ErrMalformedEvent, len(data))
	}
	disc := data[:8]

	switch {
	case bytes.Equal(disc, BetPlacedDiscriminator[:]):
		return decodeBetPlaced(data)
	case bytes.Equal(disc, MarketResolvedDiscriminator[:]):
		return decodeMarketResolved(data)
	case bytes.Equal(disc, PayoutClaimedDiscriminator[:]):
		return decodePayoutClaimed(data)
	}
	return nil, domain.ErrUnknownEvent
}

func decodeBetPlaced(data []byte) (domain.Event, error) {
	if len(data) < betPlacedLen {
		return nil, truncated("BetPlaced", len(data), betPlacedLen)
	}
	outcome, ok := domain.OutcomeFromTag(data[48], false)
	if !ok {
		return nil, fmt.Errorf("%w: BetPlaced outcome tag %d", domain.ErrMalformedEvent, data[48])
	}
	return domain.BetPlaced{
		MarketID:    u64(data, 8),
		User:        solana.PublicKeyFromBytes(data[16:48]).String(),
		Outcome:     outcome,
		Amount:      u64(data, 49),
		Shares:      u64(data, 57),
		NewYesTotal: u64(data, 65),
		NewNoTotal:  u64(data, 73),
		Timestamp:   int64(u64(data, 81)),
	}, nil
}

func decodeMarketResolved(data []byte) (domain.Event, error) {
	if len(data) < marketResolvedLen {
		return nil, truncated("MarketResolved", len(data), marketResolvedLen)
	}
	outcome, ok := domain.OutcomeFromTag(data[16], true)
	if !ok {
		return nil, fmt.Errorf("%w: MarketResolved outcome tag %d", domain.ErrMalformedEvent, data[16])
	}
	return domain.MarketResolved{
		MarketID:        u64(data, 8),
		Outcome:         outcome,
		ResolutionPrice: int64(u64(data, 17)),
		TotalCollateral: u64(data, 25),
	}, nil
}

func decodePayoutClaimed(data []byte) (domain.Event, error) {
	if len(data) < payoutClaimedLen {
		return nil, truncated("PayoutClaimed", len(data), payoutClaimedLen)
	}
	return domain.PayoutClaimed{
		MarketID:     u64(data, 8),
		User:         solana.PublicKeyFromBytes(data[16:48]).String(),
		Amount:       u64(data, 48),
		SharesBurned: u64(data, 56),
	}, nil
}

func truncated(name string, got, want int) error {
	return fmt.Errorf("%w: %s payload is %d bytes, want %d", domain.ErrMalformedEvent, name, got, want)
}

func u64(b []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(b[off : off+8])
}
