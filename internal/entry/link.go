package entry

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/vaultgrant/vaultgrant/internal/grant"
)

// Action identifies what an inbound link asks for. The URL host selects
// the grant kind and the first path segment the action.
type Action string

const (
	ActionNomineeInvite     Action = "nominee/invite"
	ActionTransferOwnership Action = "transfer/ownership"
	ActionTransferAccept    Action = "transfer/accept"
	ActionEmergency         Action = "emergency"
)

// Kind returns the grant kind the action addresses.
func (a Action) Kind() grant.Kind {
	switch a {
	case ActionNomineeInvite:
		return grant.KindNominee
	case ActionTransferOwnership, ActionTransferAccept:
		return grant.KindTransfer
	case ActionEmergency:
		return grant.KindEmergency
	}
	return ""
}

// ActionForKind returns the action a freshly created grant of the given
// kind should be activated with.
func ActionForKind(k grant.Kind) Action {
	switch k {
	case grant.KindNominee:
		return ActionNomineeInvite
	case grant.KindTransfer:
		return ActionTransferOwnership
	default:
		return ActionEmergency
	}
}

// Link is a parsed deep link or interactive-message payload URL. Status,
// VaultLabel and Sender are denormalized display hints carried by message
// payloads; they are never preconditions. The handler re-fetches ground
// truth before acting.
type Link struct {
	Action     Action
	Token      string
	Status     grant.State
	VaultLabel string
	Sender     string
}

// ErrBadLink flags URLs this router does not recognise.
var ErrBadLink = fmt.Errorf("entry: unrecognised link")

// ParseLink decodes a deep link of the form
// scheme://kind/action?token=…&vault=…&status=…&sender=….
// An empty scheme accepts any; otherwise the schemes must match.
func ParseLink(raw, scheme string) (Link, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Link{}, fmt.Errorf("%w: %v", ErrBadLink, err)
	}
	if scheme != "" && u.Scheme != scheme {
		return Link{}, fmt.Errorf("%w: scheme %q", ErrBadLink, u.Scheme)
	}

	action, err := actionFor(u.Host, strings.Trim(u.Path, "/"))
	if err != nil {
		return Link{}, err
	}

	q := u.Query()
	link := Link{
		Action:     action,
		Token:      q.Get("token"),
		Status:     grant.State(q.Get("status")),
		VaultLabel: q.Get("vault"),
		Sender:     q.Get("sender"),
	}
	if link.Token == "" {
		return Link{}, fmt.Errorf("%w: token required", ErrBadLink)
	}
	return link, nil
}

func actionFor(host, path string) (Action, error) {
	switch host {
	case "nominee":
		if path == "invite" {
			return ActionNomineeInvite, nil
		}
	case "transfer":
		switch path {
		case "ownership":
			return ActionTransferOwnership, nil
		case "accept":
			return ActionTransferAccept, nil
		}
	case "emergency":
		if path == "" {
			return ActionEmergency, nil
		}
	}
	return "", fmt.Errorf("%w: %s/%s", ErrBadLink, host, path)
}

var labelCaser = cases.Title(language.English)

// FormatMessageURL builds the payload URL embedded in an interactive
// message bubble. The status and vault label ride along purely so the
// bubble can render without a store round trip.
func FormatMessageURL(scheme string, link Link) string {
	u := url.URL{Scheme: scheme, Host: hostPath(link.Action)[0], Path: hostPath(link.Action)[1]}
	q := url.Values{}
	q.Set("token", link.Token)
	if link.VaultLabel != "" {
		q.Set("vault", labelCaser.String(link.VaultLabel))
	}
	if link.Status != "" {
		q.Set("status", string(link.Status))
	}
	if link.Sender != "" {
		q.Set("sender", link.Sender)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// WithStatus re-encodes an existing payload URL with the post-resolve
// status so the bubble reflects the new state to all participants. Every
// other parameter is preserved as-is.
func WithStatus(raw string, status grant.State) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadLink, err)
	}
	q := u.Query()
	q.Set("status", string(status))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func hostPath(a Action) [2]string {
	switch a {
	case ActionNomineeInvite:
		return [2]string{"nominee", "/invite"}
	case ActionTransferOwnership:
		return [2]string{"transfer", "/ownership"}
	case ActionTransferAccept:
		return [2]string{"transfer", "/accept"}
	default:
		return [2]string{"emergency", ""}
	}
}
