package amount

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseUnits(t *testing.T) {
	t.Run("converts without float drift", func(t *testing.T) {
		a := MustParse("0.3")
		units, err := a.BaseUnits(9)
		require.NoError(t, err)
		assert.Equal(t, uint64(300_000_000), units)
	})

	t.Run("round trips through ledger units", func(t *testing.T) {
		for _, s := range []string{"1", "100", "0.000000001", "123456.789012345", "18446744073.709551615"} {
			a := MustParse(s)
			units, err := a.BaseUnits(9)
			require.NoError(t, err, s)
			assert.True(t, FromBaseUnits(units, 9).Equal(a), s)
		}
	})

	t.Run("rejects excess precision", func(t *testing.T) {
		_, err := MustParse("1.0000000001").BaseUnits(9)
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("rejects overflow", func(t *testing.T) {
		_, err := MustParse("18446744073.709551616").BaseUnits(9)
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("rejects negative", func(t *testing.T) {
		_, err := MustParse("-1").BaseUnits(9)
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("rejects huge exponents without scaling", func(t *testing.T) {
		for _, d := range []decimal.Decimal{
			decimal.New(1, 50_000_000),
			decimal.New(1, -50_000_000),
		} {
			done := make(chan error, 1)
			go func() {
				_, err := FromDecimal(d).BaseUnits(9)
				done <- err
			}()
			select {
			case err := <-done:
				assert.ErrorIs(t, err, ErrInvalid)
			case <-time.After(time.Second):
				t.Fatalf("BaseUnits with exponent %d did not return", d.Exponent())
			}
		}
	})
}

func TestRules(t *testing.T) {
	rules := Rules{Decimals: 9, Minimum: FromInt(1)}

	assert.ErrorIs(t, rules.Validate(Zero), ErrInvalid)
	assert.ErrorIs(t, rules.Validate(MustParse("-5")), ErrInvalid)
	assert.NoError(t, rules.Validate(MustParse("0.5")))

	assert.ErrorIs(t, rules.ValidateStake(MustParse("0.5")), ErrBelowMinimum)
	assert.NoError(t, rules.ValidateStake(FromInt(1)))
}

func TestJSON(t *testing.T) {
	t.Run("encodes as string", func(t *testing.T) {
		b, err := json.Marshal(MustParse("12.50"))
		require.NoError(t, err)
		assert.Equal(t, `"12.5"`, string(b))
	})

	t.Run("decodes string and number literals", func(t *testing.T) {
		var v struct {
			A Amount `json:"a"`
			B Amount `json:"b"`
		}
		require.NoError(t, json.Unmarshal([]byte(`{"a":"0.1","b":0.2}`), &v))
		assert.True(t, v.A.Add(v.B).Equal(MustParse("0.3")))
	})

	t.Run("rejects garbage", func(t *testing.T) {
		var a Amount
		assert.Error(t, json.Unmarshal([]byte(`"abc"`), &a))
	})

	t.Run("rejects out of range exponents", func(t *testing.T) {
		for _, in := range []string{`"1e50000000"`, `1e50000000`, `"1e-50000000"`, `"1e65"`} {
			var a Amount
			err := json.Unmarshal([]byte(in), &a)
			assert.ErrorIs(t, err, ErrInvalid, in)
		}
		var a Amount
		require.NoError(t, json.Unmarshal([]byte(`"1.5e3"`), &a))
		assert.True(t, a.Equal(FromInt(1500)))
	})
}
