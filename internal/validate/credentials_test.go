package validate

import (
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"

	"groupcast/internal/model"
)

func valid() model.Credentials {
	return model.Credentials{
		APIID:       "1234567",
		APIHash:     "0123456789abcdef0123456789abcdef",
		PhoneNumber: "+628123456789",
	}
}

func TestCredentials(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*model.Credentials)
		want   []string
	}{
		{name: "valid", mutate: func(*model.Credentials) {}},
		{name: "api id 6 digits", mutate: func(c *model.Credentials) { c.APIID = "123456" }},
		{name: "api id 8 digits", mutate: func(c *model.Credentials) { c.APIID = "12345678" }},
		{name: "api id missing", mutate: func(c *model.Credentials) { c.APIID = "" }, want: []string{MsgAPIIDRequired}},
		{name: "api id too short", mutate: func(c *model.Credentials) { c.APIID = "12345" }, want: []string{MsgAPIIDLength}},
		{name: "api id too long", mutate: func(c *model.Credentials) { c.APIID = "123456789" }, want: []string{MsgAPIIDLength}},
		{name: "api id letters", mutate: func(c *model.Credentials) { c.APIID = "12a4567" }, want: []string{MsgAPIIDDigits}},
		{name: "api id letters and short", mutate: func(c *model.Credentials) { c.APIID = "abc" }, want: []string{MsgAPIIDDigits, MsgAPIIDLength}},
		{name: "api hash missing", mutate: func(c *model.Credentials) { c.APIHash = "" }, want: []string{MsgAPIHashRequired}},
		{name: "api hash uppercase", mutate: func(c *model.Credentials) { c.APIHash = "0123456789ABCDEF0123456789abcdef" }, want: []string{MsgAPIHashFormat}},
		{name: "api hash short", mutate: func(c *model.Credentials) { c.APIHash = "abc" }, want: []string{MsgAPIHashFormat}},
		{name: "phone missing", mutate: func(c *model.Credentials) { c.PhoneNumber = "" }, want: []string{MsgPhoneRequired}},
		{name: "phone no plus", mutate: func(c *model.Credentials) { c.PhoneNumber = "628123456789" }, want: []string{MsgPhoneFormat}},
		{name: "phone too short", mutate: func(c *model.Credentials) { c.PhoneNumber = "+123456789" }, want: []string{MsgPhoneFormat}},
		{name: "phone too long", mutate: func(c *model.Credentials) { c.PhoneNumber = "+1234567890123456" }, want: []string{MsgPhoneFormat}},
		{
			name: "everything missing",
			mutate: func(c *model.Credentials) {
				*c = model.Credentials{}
			},
			want: []string{MsgAPIIDRequired, MsgAPIHashRequired, MsgPhoneRequired},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := valid()
			tt.mutate(&c)
			res := Credentials(c)

			assert.Equal(t, len(tt.want) == 0, res.OK)
			assert.Equal(t, tt.want, res.Errors)
		})
	}
}

func TestCode(t *testing.T) {
	t.Parallel()

	assert.True(t, Code("12345"))
	assert.True(t, Code("00000"))
	assert.False(t, Code("1234"))
	assert.False(t, Code("123456"))
	assert.False(t, Code("12a45"))
	assert.False(t, Code(""))
}

func TestNormalizePhone(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"+62 812-3456-789":   "+628123456789",
		"62 812 3456 789":    "+628123456789",
		"++1 (234) 567-8900": "+12345678900",
		"1+2+3":              "+123",
		"":                   "+",
		"abc":                "+",
		"+":                  "+",
		"+ - ()":             "+",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizePhone(in), in)
	}
	// a digitless result never passes validation
	c := valid()
	c.PhoneNumber = NormalizePhone("abc")
	assert.False(t, Credentials(c).OK)
}

func TestNormalizePhoneIdempotent(t *testing.T) {
	t.Parallel()

	f := func(s string) bool {
		once := NormalizePhone(s)
		return NormalizePhone(once) == once
	}
	assert.NoError(t, quick.Check(f, nil))
}
