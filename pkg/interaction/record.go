package interaction

import (
	"encoding/json"
	"net/url"
	"time"

	"github.com/tendant/portal-oauth/pkg/externalprovider"
)

// Phase of a login interaction for one provider in one session
type Phase string

const (
	PhaseInit             Phase = "INIT"
	PhaseAwaitingCallback Phase = "AWAITING_CALLBACK"
	PhaseCompleted        Phase = "COMPLETED"
)

// SessionKey is the session key of a provider's interaction. It holds the
// pending state token with the interaction record as its payload, so both are
// consumed in one atomic step.
func SessionKey(providerID string) string {
	return "oauth." + providerID + ".interaction"
}

type record struct {
	Phase     Phase                    `json:"phase"`
	Pending   externalprovider.Pending `json:"pending"`
	CreatedAt time.Time                `json:"created_at"`
	ExpiresAt time.Time                `json:"expires_at"`
}

func (r *record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

func decodeRecord(data []byte) (*record, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Request is one inbound request for a provider endpoint.
type Request struct {
	// Restart discards any interaction in progress before handling Params.
	Restart bool
	Params  externalprovider.CallbackParams
}

// RequestFromValues builds a Request from query or form values. Both
// interaction=start and start=true request a restart.
func RequestFromValues(v url.Values) Request {
	return Request{
		Restart: v.Get("interaction") == "start" || v.Get("start") == "true",
		Params:  externalprovider.CallbackParamsFromValues(v),
	}
}

// Outcome is the result of a successful step. RedirectURL is set when the
// visitor must be sent to the provider, Identity once the flow completed.
type Outcome struct {
	Phase       Phase
	RedirectURL string
	Identity    *externalprovider.RemoteIdentity
}
