// Package authorize runs the authorization flow a browser walks through
// before a client receives an access token.
//
// BeginAuthorize answers GET requests and never writes: it classifies which
// step the user is on. SubmitAuthorize answers POST requests. Credential
// posts sign the user in or register them; authorization posts validate
// every submitted slot, then write entities, extend the grant, merge a test
// account and expose fake ids as one unit of work. The unit of work is a
// pipeline of stages run inside a single transaction; the first failing
// stage aborts it and nothing is committed.
package authorize

import (
	"context"
	"net/url"
	"time"

	"github.com/louisbranch/veil/internal/platform/id"
	"github.com/louisbranch/veil/internal/platform/otel"
	"github.com/louisbranch/veil/internal/services/auth/client"
	"github.com/louisbranch/veil/internal/services/auth/ledger"
	"github.com/louisbranch/veil/internal/services/auth/phone"
	"github.com/louisbranch/veil/internal/services/auth/user"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Step names the screen the route layer renders next.
type Step string

const (
	StepCredentials                Step = "credentials"
	StepAuthorizations             Step = "authorizations"
	StepRedirect                   Step = "redirect"
	StepRedirectToLoginFlow        Step = "redirect_to_login_flow"
	StepRedirectToRegistrationFlow Step = "redirect_to_registration_flow"
	StepChooseAccount              Step = "choose_account"
	StepRecoverPassword            Step = "recover_password"
)

// Flow is the flow a client asked for.
type Flow string

const (
	FlowDefault         Flow = ""
	FlowRegistration    Flow = "registration"
	FlowLogin           Flow = "login"
	FlowRecoverPassword Flow = "recover_password"
)

// ParseFlow maps a query value to a Flow; anything unknown is the default.
func ParseFlow(value string) Flow {
	switch Flow(value) {
	case FlowRegistration, FlowLogin, FlowRecoverPassword:
		return Flow(value)
	default:
		return FlowDefault
	}
}

// Form keys outside the slot vocabulary.
const (
	KeyEmail               = "email"
	KeyPassword            = "password"
	KeyTestAccount         = "test_account"
	KeyAction              = "action"
	KeyUseAsBillingAddress = "use_as_billing_address"

	ActionContinue      = "continue"
	ActionSwitchAccount = "switch_account"
)

// Session is the browser state the route layer persists between requests.
type Session struct {
	UserID string `json:"user_id,omitempty"`
	// TestAccountID is the test account used from this browser. It is kept
	// after the flow finishes so a later real sign-in can absorb it.
	TestAccountID string `json:"test_account_id,omitempty"`
	// ActingAsTest is set while the flow runs as the test account.
	ActingAsTest bool `json:"acting_as_test,omitempty"`
}

// CurrentUser returns the id the flow runs as, or "".
func (s Session) CurrentUser() string {
	if s.ActingAsTest {
		return s.TestAccountID
	}
	return s.UserID
}

// Request is one call from the route layer.
type Request struct {
	Client      client.Client
	RedirectURI string
	State       string
	Flow        Flow
	Session     Session
	Form        url.Values
}

// Result tells the route layer what to render and which session to store.
type Result struct {
	Step    Step
	Payload Payload
	Session Session
}

// Payload is the data a step renders.
type Payload struct {
	ClientID          string   `json:"client_id"`
	ClientName        string   `json:"client_name,omitempty"`
	Flow              Flow     `json:"flow,omitempty"`
	Show              []string `json:"fields_to_show,omitempty"`
	Authorize         []Choice `json:"fields_to_authorize,omitempty"`
	AllowTestAccounts bool     `json:"allow_test_accounts,omitempty"`
	RedirectURI       string   `json:"redirect_uri,omitempty"`
	Message           string   `json:"message,omitempty"`
}

// Choice is a slot the user confirms. Fields carry their current value;
// plural slots list the entities that can fill them.
type Choice struct {
	Key     string   `json:"key"`
	Value   string   `json:"value,omitempty"`
	Options []Option `json:"options,omitempty"`
}

// Option is one entity offered for a plural slot.
type Option struct {
	ID         string            `json:"id"`
	Attributes map[string]string `json:"attributes"`
}

// Token is an issued access token.
type Token struct {
	Value     string
	Type      string
	ExpiresIn time.Duration
}

// TokenIssuer issues access tokens, reusing a valid one for the pair.
type TokenIssuer interface {
	Issue(ctx context.Context, clientID, userID string) (Token, error)
}

// PasswordRecovery delivers password recovery messages.
type PasswordRecovery interface {
	SendRecovery(ctx context.Context, c client.Client, u user.User, address string) error
}

// LogRecovery is a PasswordRecovery that only logs.
type LogRecovery struct {
	Logger *zap.Logger
}

// SendRecovery implements PasswordRecovery.
func (r LogRecovery) SendRecovery(_ context.Context, c client.Client, u user.User, _ string) error {
	if r.Logger != nil {
		r.Logger.Info("password recovery requested", zap.String("client_id", c.ID), zap.String("user_id", u.ID))
	}
	return nil
}

// RecoveryMessage is answered to every recovery request.
const RecoveryMessage = "If an account exists for this address, recovery instructions have been sent."

// Engine runs the flow.
type Engine struct {
	ledger         *ledger.Service
	tokens         TokenIssuer
	hasher         user.PasswordHasher
	classifier     phone.Classifier
	recovery       PasswordRecovery
	defaultCountry string
	now            func() time.Time
	newID          func() (string, error)
	logger         *zap.Logger
	tracer         trace.Tracer
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithPasswordHasher overrides the bcrypt hasher.
func WithPasswordHasher(h user.PasswordHasher) EngineOption {
	return func(e *Engine) {
		if h != nil {
			e.hasher = h
		}
	}
}

// WithClassifier overrides the phone classifier.
func WithClassifier(c phone.Classifier) EngineOption {
	return func(e *Engine) {
		if c != nil {
			e.classifier = c
		}
	}
}

// WithRecovery sets the password recovery collaborator.
func WithRecovery(r PasswordRecovery) EngineOption {
	return func(e *Engine) {
		if r != nil {
			e.recovery = r
		}
	}
}

// WithDefaultCountry sets the country assumed for national phone numbers.
func WithDefaultCountry(country string) EngineOption {
	return func(e *Engine) {
		e.defaultCountry = country
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator overrides the real id generator.
func WithIDGenerator(fn func() (string, error)) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// New builds an engine.
func New(l *ledger.Service, tokens TokenIssuer, logger *zap.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		ledger:     l,
		tokens:     tokens,
		hasher:     user.BcryptHasher{},
		classifier: phone.PrefixClassifier{},
		recovery:   LogRecovery{Logger: logger},
		now:        time.Now,
		newID:      id.NewID,
		logger:     logger,
		tracer:     otel.Tracer("github.com/louisbranch/veil/authorize"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}
