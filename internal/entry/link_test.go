package entry

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vaultgrant/vaultgrant/internal/grant"
)

func TestParseLink(t *testing.T) {
	cases := []struct {
		raw    string
		action Action
		kind   grant.Kind
	}{
		{"vaultgrant://nominee/invite?token=abc", ActionNomineeInvite, grant.KindNominee},
		{"vaultgrant://transfer/ownership?token=abc", ActionTransferOwnership, grant.KindTransfer},
		{"vaultgrant://transfer/accept?token=abc", ActionTransferAccept, grant.KindTransfer},
		{"vaultgrant://emergency?token=abc", ActionEmergency, grant.KindEmergency},
	}
	for _, c := range cases {
		link, err := ParseLink(c.raw, "vaultgrant")
		require.NoError(t, err, c.raw)
		require.Equal(t, c.action, link.Action)
		require.Equal(t, c.kind, link.Action.Kind())
		require.Equal(t, "abc", link.Token)
	}
}

func TestParseLinkCarriesDisplayHints(t *testing.T) {
	link, err := ParseLink("vaultgrant://transfer/ownership?token=abc&status=pending&vault=family+photos&sender=Priya", "vaultgrant")
	require.NoError(t, err)
	require.Equal(t, grant.StatePending, link.Status)
	require.Equal(t, "family photos", link.VaultLabel)
	require.Equal(t, "Priya", link.Sender)
}

func TestParseLinkRejections(t *testing.T) {
	_, err := ParseLink("https://nominee/invite?token=abc", "vaultgrant")
	require.ErrorIs(t, err, ErrBadLink)

	_, err = ParseLink("vaultgrant://nominee/invite", "vaultgrant")
	require.ErrorIs(t, err, ErrBadLink)

	_, err = ParseLink("vaultgrant://payments/send?token=abc", "vaultgrant")
	require.ErrorIs(t, err, ErrBadLink)

	_, err = ParseLink("vaultgrant://transfer/unknown?token=abc", "vaultgrant")
	require.ErrorIs(t, err, ErrBadLink)
}

func TestParseLinkAnyScheme(t *testing.T) {
	link, err := ParseLink("customapp://emergency?token=abc", "")
	require.NoError(t, err)
	require.Equal(t, ActionEmergency, link.Action)
}

func TestFormatMessageURL(t *testing.T) {
	raw := FormatMessageURL("vaultgrant", Link{
		Action:     ActionNomineeInvite,
		Token:      "tok-1",
		Status:     grant.StatePending,
		VaultLabel: "family photos",
		Sender:     "Priya",
	})
	u, err := url.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "vaultgrant", u.Scheme)
	require.Equal(t, "nominee", u.Host)
	require.Equal(t, "/invite", u.Path)
	q := u.Query()
	require.Equal(t, "tok-1", q.Get("token"))
	require.Equal(t, "pending", q.Get("status"))
	require.Equal(t, "Family Photos", q.Get("vault"))
	require.Equal(t, "Priya", q.Get("sender"))

	// The formatted URL parses back to the same link.
	link, err := ParseLink(raw, "vaultgrant")
	require.NoError(t, err)
	require.Equal(t, ActionNomineeInvite, link.Action)
	require.Equal(t, "tok-1", link.Token)
}

func TestWithStatus(t *testing.T) {
	raw := "vaultgrant://transfer/ownership?token=tok-1&status=pending&vault=Estate&sender=Noah"
	updated, err := WithStatus(raw, grant.StateApproved)
	require.NoError(t, err)

	u, err := url.Parse(updated)
	require.NoError(t, err)
	q := u.Query()
	require.Equal(t, "approved", q.Get("status"))
	// Everything else is preserved.
	require.Equal(t, "tok-1", q.Get("token"))
	require.Equal(t, "Estate", q.Get("vault"))
	require.Equal(t, "Noah", q.Get("sender"))
}
