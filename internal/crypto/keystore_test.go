package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ccbus/internal/testutil"
)

func TestKeyStoreLoad(t *testing.T) {
	tk := testutil.NewKeystore(t)
	tk.AddCA("ca")
	tk.AddIdentity("node1", "ca")

	ks := NewKeyStore(tk.Dir)
	key, err := ks.LoadKey("node1")
	require.NoError(t, err)
	assert.NotNil(t, key)
	cert, err := ks.LoadCert("node1")
	require.NoError(t, err)
	assert.Equal(t, "node1", cert.Subject.CommonName)

	_, err = ks.LoadCert("missing")
	assert.ErrorIs(t, err, ErrMissingKeys)
	_, err = ks.LoadKey("../node1")
	assert.ErrorIs(t, err, ErrMissingKeys)

	require.NoError(t, os.WriteFile(filepath.Join(tk.Dir, "junk.crt"), []byte("nope"), 0o644))
	_, err = ks.LoadCert("junk")
	assert.ErrorIs(t, err, ErrMissingKeys)
}

func TestCMSEmbeddedSign(t *testing.T) {
	tk := testutil.NewKeystore(t)
	tk.AddCA("ca")
	tk.AddIdentity("node1", "ca")
	c := NewCMS(NewKeyStore(tk.Dir))

	sig, err := c.Sign([]byte("content"), "node1", false)
	require.NoError(t, err)
	content, signer, err := c.Verify(nil, sig, "ca", false)
	require.NoError(t, err)
	assert.Equal(t, []byte("content"), content)
	assert.Equal(t, "node1", signer.CommonName)

	_, _, err = c.Verify([]byte("content"), sig, "ca", false)
	assert.ErrorIs(t, err, ErrVerify)
}

func TestSplitNames(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitNames(" a, ,b "))
	assert.Nil(t, splitNames(""))
}
