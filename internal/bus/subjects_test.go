package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidSubject(t *testing.T) {
	assert.True(t, ValidSubject(SubjectRouterDecide))
	assert.True(t, ValidSubject(SubjectRouterStream))
	assert.True(t, ValidSubject(SubjectRouterCancel))
	assert.True(t, ValidSubject("beamline.other.v2.thing"))
}

func TestValidSubject_Rejects(t *testing.T) {
	cases := []struct {
		name    string
		subject string
	}{
		{"empty", ""},
		{"wrong prefix", "router.v1.decide"},
		{"prefix without dot", "beamline"},
		{"star wildcard", "beamline.router.*.decide"},
		{"gt wildcard", "beamline.router.>"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.False(t, ValidSubject(tc.subject))
		})
	}
}
