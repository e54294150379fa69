package services

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"reward-ledger/models"
)

// VerifyOutcome is what an adapter reports for one attempt.
type VerifyOutcome int

const (
	NotYetVerified VerifyOutcome = iota
	Verified
	Failed
)

func (o VerifyOutcome) String() string {
	switch o {
	case Verified:
		return "verified"
	case Failed:
		return "failed"
	}
	return "not_yet_verified"
}

// VerificationRequest is handed to an adapter for one attempt.
type VerificationRequest struct {
	UserID      string
	Task        models.Task
	RequestedAt time.Time
	Attempt     int
	Now         time.Time
}

// Verifier decides whether a user has completed a task. A non-nil error is
// always reported with NotYetVerified and counts against the attempt budget.
type Verifier interface {
	Verify(ctx context.Context, req VerificationRequest) (VerifyOutcome, error)
}

// Settler is implemented by adapters that must not be consulted until some
// time after verification was requested. Polls inside the window stay
// pending and do not count as attempts.
type Settler interface {
	SettleDelay() time.Duration
}

// Verifiers maps each verification kind to its adapter.
type Verifiers map[models.VerificationKind]Verifier

// For returns the adapter for kind. A kind without an adapter never verifies.
func (v Verifiers) For(kind models.VerificationKind) Verifier {
	if a, ok := v[kind]; ok {
		return a
	}
	return unregisteredKind{kind: kind}
}

type unregisteredKind struct {
	kind models.VerificationKind
}

func (u unregisteredKind) Verify(context.Context, VerificationRequest) (VerifyOutcome, error) {
	return NotYetVerified, fmt.Errorf("%w: no verifier registered for kind %q", ErrTransientVerification, u.kind)
}

// ExternalLinkDelay trusts the user once Delay has passed since the request.
// It proves nothing beyond the user having waited.
type ExternalLinkDelay struct {
	Delay time.Duration
}

func (a ExternalLinkDelay) SettleDelay() time.Duration { return a.Delay }

func (ExternalLinkDelay) Verify(context.Context, VerificationRequest) (VerifyOutcome, error) {
	return Verified, nil
}

// MembershipChecker answers whether userID belongs to chatID. A definitive
// "no" is (false, nil); anything that is not an answer is an error.
type MembershipChecker interface {
	IsMember(ctx context.Context, userID, chatID string) (bool, error)
}

// ThirdPartyCheck asks an external membership API.
type ThirdPartyCheck struct {
	Checker MembershipChecker
	Delay   time.Duration
	Timeout time.Duration
}

func (a ThirdPartyCheck) SettleDelay() time.Duration { return a.Delay }

func (a ThirdPartyCheck) Verify(ctx context.Context, req VerificationRequest) (VerifyOutcome, error) {
	chatID := req.Task.Resource
	if chatID == "" {
		chatID = ChatIDFromLink(req.Task.Link)
	}
	if chatID == "" {
		return Failed, nil
	}
	if a.Checker == nil {
		return NotYetVerified, fmt.Errorf("%w: no membership checker configured", ErrTransientVerification)
	}
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	member, err := a.Checker.IsMember(ctx, req.UserID, chatID)
	if err != nil {
		return NotYetVerified, fmt.Errorf("%w: %v", ErrTransientVerification, err)
	}
	if member {
		return Verified, nil
	}
	return Failed, nil
}

// ManualNone is for tasks whose completion is asserted elsewhere.
type ManualNone struct{}

func (ManualNone) Verify(context.Context, VerificationRequest) (VerifyOutcome, error) {
	return Verified, nil
}

// ReferralThreshold is verified once the user has invited Task.Threshold
// accounts.
type ReferralThreshold struct {
	Counter *ReferralCounter
}

func (a ReferralThreshold) Verify(ctx context.Context, req VerificationRequest) (VerifyOutcome, error) {
	edges, err := a.Counter.countEdges(a.Counter.DB.WithContext(ctx), req.UserID)
	if err != nil {
		return NotYetVerified, fmt.Errorf("%w: %v", ErrTransientVerification, err)
	}
	if edges >= req.Task.Threshold {
		return Verified, nil
	}
	return Failed, nil
}

// ChatIDFromLink turns a public Telegram link into a chat id:
// "https://t.me/gotEMXTon" -> "@gotEMXTon". Private invite links and other
// hosts yield "".
func ChatIDFromLink(link string) string {
	link = strings.TrimSpace(link)
	if strings.HasPrefix(link, "@") {
		return link
	}
	if link == "" {
		return ""
	}
	if !strings.Contains(link, "://") {
		link = "https://" + link
	}
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	switch strings.ToLower(strings.TrimPrefix(u.Host, "www.")) {
	case "t.me", "telegram.me":
	default:
		return ""
	}
	name := strings.Trim(u.Path, "/")
	if i := strings.Index(name, "/"); i >= 0 {
		name = name[:i]
	}
	if name == "" || strings.HasPrefix(name, "+") || name == "joinchat" {
		return ""
	}
	return "@" + name
}
