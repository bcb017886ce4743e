package vault

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeLabel(t *testing.T) {
	cases := map[string]string{
		"PERSON":          "PERSON",
		"email address":   "EMAIL_ADDRESS",
		"us-ssn":          "US_SSN",
		"  Credit  Card ": "CREDIT_CARD",
		"__x__":           "X",
		"":                "ENTITY",
		"???":             "ENTITY",
		"Ünïcode":         "N_CODE",
	}
	for in, want := range cases {
		require.Equal(t, want, NormalizeLabel(in), in)
	}

	long := NormalizeLabel(strings.Repeat("AB_", 40))
	require.LessOrEqual(t, len(long), MaxLabelLen)
	require.False(t, strings.HasSuffix(long, "_"))
}

func TestParseToken(t *testing.T) {
	label, seq, ok := ParseToken("[CONFIDENTIAL_EMAIL_ADDRESS_12]")
	require.True(t, ok)
	require.Equal(t, "EMAIL_ADDRESS", label)
	require.EqualValues(t, 12, seq)

	tok := FormatToken("US_SSN", 3)
	require.Equal(t, "[CONFIDENTIAL_US_SSN_3]", tok)
	require.True(t, TokenPattern.MatchString("see "+tok+" here"))

	for _, bad := range []string{
		"[CONFIDENTIAL_PERSON_]",
		"[CONFIDENTIAL_PERSON_1",
		"[CONFIDENTIAL_PERSON_x1]",
		"[CONFIDENTIAL_Person_1]",
		"[CONFIDENTIAL_PERSON_99999999999999999999]",
	} {
		_, _, ok := ParseToken(bad)
		require.False(t, ok, bad)
	}
}
