package mssql

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"fmt"
	"io/ioutil"
	"os"

	alwaysencrypted "github.com/swisscom/mssql-always-encrypted/pkg"
	"github.com/swisscom/mssql-always-encrypted/pkg/algorithms"
	"github.com/swisscom/mssql-always-encrypted/pkg/encryption"
	"github.com/swisscom/mssql-always-encrypted/pkg/keys"
	"golang.org/x/crypto/pkcs12"
)

// cipher algorithm ids (MS-TDS 2.2.7.4, Always Encrypted crypto metadata).
const (
	cipherAlgDeterministicAEAD byte = 1
	cipherAlgRandomizedAEAD byte = 2
	cipherAlgCustom byte = 0
)

// KeystoreAuth selects how the column-encryption-key keystore is
// unlocked.
type KeystoreAuth int

const (
	PFXKeystoreAuth KeystoreAuth = iota
)

// AlwaysEncryptedSettings configures client-side decryption of columns
// protected by Always Encrypted. KeyStoreLocation must point at a PKCS#12
// (.pfx) file holding the column master key's certificate and private key.
type AlwaysEncryptedSettings struct {
	Enabled bool
	KeyStoreLocation string
	KeyStoreSecret string
	KeyStoreAuth KeystoreAuth

	privateKey interface{}
	cert *x509.Certificate
}

// loadKeystore lazily opens and decodes the configured PFX keystore,
// caching the resulting private key and certificate on first use.
func (s *AlwaysEncryptedSettings) loadKeystore() error {
	if s.privateKey != nil {
		return nil
	}
	f, err := os.Open(s.KeyStoreLocation)
	if err != nil {
		return newConfigError("opening always-encrypted keystore: %s", err)
	}
	defer f.Close()

	switch s.KeyStoreAuth {
	case PFXKeystoreAuth:
		pfxBytes, err := ioutil.ReadAll(f)
		if err != nil {
			return newConfigError("reading always-encrypted keystore: %s", err)
		}
		pk, cert, err := pkcs12.Decode(pfxBytes, s.KeyStoreSecret)
		if err != nil {
			return newConfigError("decoding always-encrypted PFX: %s", err)
		}
		s.privateKey = pk
		s.cert = cert
		return nil
	default:
		return newConfigError("unsupported always-encrypted keystore auth %v", s.KeyStoreAuth)
	}
}

// encryptionKeyInfo is one encrypted value of a CEK table entry: the
// same column encryption key as protected by a particular column
// master key.
type encryptionKeyInfo struct {
	encryptedKey []byte
	databaseID int
	cekID int
	cekVersion int
	cekMdVersion []byte
	keyPath string
	keyStoreName string
	algorithmName string
}

// cekTableEntry groups the encrypted forms of one column encryption
// key across the key store(s) the server knows about.
type cekTableEntry struct {
	databaseID int
	keyId int
	keyVersion int
	mdVersion []byte
	valueCount int
	cekValues []encryptionKeyInfo
}

// cekTable is the CEK table sent at the start of COLMETADATA when
// Always Encrypted is negotiated.
type cekTable struct {
	entries []cekTableEntry
}

func newCekTable(size uint16) cekTable {
	return cekTable{entries: make([]cekTableEntry, size)}
}

// readCEKTable reads the CEK table preceding per-column crypto
// metadata in COLMETADATA.
func readCEKTable(r *tdsBuffer) *cekTable {
	tableSize := r.uint16()
	if tableSize == 0 {
		return nil
	}
	t := newCekTable(tableSize)
	for i := uint16(0); i < tableSize; i++ {
		t.entries[i] = readCekTableEntry(r)
	}
	return &t
}

func readCekTableEntry(r *tdsBuffer) cekTableEntry {
	databaseID := r.int32()
	cekID := r.int32()
	cekVersion := r.int32()
	cekMdVersion := make([]byte, 8)
	if err := r.ReadFull(cekMdVersion); err != nil {
		badStreamPanic(err)
	}

	valueCount := int(r.byte())
	values := make([]encryptionKeyInfo, valueCount)
	for i := range values {
		encLen := r.uint16()
		encKey := make([]byte, encLen)
		if err := r.ReadFull(encKey); err != nil {
			badStreamPanic(err)
		}

		ksNameLen := int(r.byte())
		ksNameBuf := make([]byte, ksNameLen*2)
		if err := r.ReadFull(ksNameBuf); err != nil {
			badStreamPanic(err)
		}
		ksName, err := ucs22str(ksNameBuf)
		if err != nil {
			badStreamPanic(err)
		}

		keyPathLen := int(r.uint16())
		keyPathBuf := make([]byte, keyPathLen*2)
		if err := r.ReadFull(keyPathBuf); err != nil {
			badStreamPanic(err)
		}
		keyPath, err := ucs22str(keyPathBuf)
		if err != nil {
			badStreamPanic(err)
		}

		algLen := int(r.byte())
		algBuf := make([]byte, algLen*2)
		if err := r.ReadFull(algBuf); err != nil {
			badStreamPanic(err)
		}
		algName, err := ucs22str(algBuf)
		if err != nil {
			badStreamPanic(err)
		}

		values[i] = encryptionKeyInfo{
			encryptedKey: encKey,
			databaseID: int(databaseID),
			cekID: int(cekID),
			cekVersion: int(cekVersion),
			cekMdVersion: cekMdVersion,
			keyPath: keyPath,
			keyStoreName: ksName,
			algorithmName: algName,
		}
	}

	return cekTableEntry{
		databaseID: int(databaseID),
		keyId: int(cekID),
		keyVersion: int(cekVersion),
		mdVersion: cekMdVersion,
		valueCount: valueCount,
		cekValues: values,
	}
}

// cryptoMetadata is the per-column Always Encrypted descriptor that
// follows a column's own TYPE_INFO in COLMETADATA.
type cryptoMetadata struct {
	entry *cekTableEntry
	ordinal uint16
	algorithmId byte
	algorithmName *string
	encType byte
	normRuleVer byte
	typeInfo typeInfo
}

// parseCryptoMetadata reads one column's crypto metadata block,
// resolving `ordinal` against the CEK table already parsed for this
// COLMETADATA token.
func parseCryptoMetadata(r *tdsBuffer, cek *cekTable) cryptoMetadata {
	var ordinal uint16
	if cek != nil {
		ordinal = r.uint16()
	}

	base := getBaseTypeInfo(r, false)
	ti := readTypeInfo(r, base.TypeId, nil)
	ti.UserType = base.UserType
	ti.Flags = base.Flags
	ti.TypeId = base.TypeId

	algorithmId := r.byte()
	var algName *string
	if algorithmId == cipherAlgCustom {
		nameLen := int(r.byte())
		buf := make([]byte, nameLen*2)
		if err := r.ReadFull(buf); err != nil {
			badStreamPanic(err)
		}
		s, err := ucs22str(buf)
		if err != nil {
			badStreamPanic(err)
		}
		algName = &s
	}

	encType := r.byte()
	normRuleVer := r.byte()

	var entry *cekTableEntry
	if cek != nil {
		if int(ordinal) > len(cek.entries)-1 {
			badStreamPanicf("invalid crypto metadata ordinal %d, CEK table has %d entries", ordinal, len(cek.entries))
		}
		entry = &cek.entries[ordinal]
	}

	return cryptoMetadata{
		entry: entry,
		ordinal: ordinal,
		algorithmId: algorithmId,
		algorithmName: algName,
		encType: encType,
		normRuleVer: normRuleVer,
		typeInfo: ti,
	}
}

// decryptColumnValue unwraps an Always Encrypted column's ciphertext
// using the configured keystore and returns a read-only tdsBuffer
// positioned over the plaintext, ready to be handed back to the
// plaintext type's Reader for its declared TYPE_INFO.
func decryptColumnValue(cm *cryptoMetadata, settings *AlwaysEncryptedSettings, ciphertext []byte) (*tdsBuffer, error) {
	if cm.entry == nil {
		return nil, newProtocolError("encrypted column has no CEK table entry")
	}
	if err := settings.loadKeystore(); err != nil {
		return nil, err
	}

	cekValue := cm.entry.cekValues[cm.ordinal]
	encType := encryption.From(cm.encType)

	cekv := alwaysencrypted.LoadCEKV(cm.entry.cekValues[0].encryptedKey)
	if !cekv.Verify(settings.cert) {
		return nil, newProtocolError(
			"always-encrypted certificate mismatch: key path %v, thumbprint %02x",
			cekv.KeyPath, sha1.Sum(settings.cert.Raw))
	}

	rsaKey, ok := settings.privateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, newConfigError("always-encrypted keystore private key is not RSA")
	}
	rootKey, err := cekv.Decrypt(rsaKey)
	if err != nil {
		return nil, newProtocolError("decrypting column encryption key: %s", err)
	}

	k := keys.NewAeadAes256CbcHmac256(rootKey)
	alg := algorithms.NewAeadAes256CbcHmac256Algorithm(k, encType, byte(cekValue.cekVersion))
	plain, err := alg.Decrypt(ciphertext)
	if err != nil {
		return nil, newProtocolError("decrypting column value: %s", err)
	}

	buf := newTdsBuffer(roBuffer{bytes.NewReader(plain)}, len(plain)+packetHeaderSize)
	buf.rbuf = plain
	buf.rpos = 0
	return buf, nil
}

// roBuffer adapts a bytes.Reader to io.ReadWriteCloser so a decrypted
// column's plaintext can be replayed through the same tdsBuffer
// reading API used for the wire.
type roBuffer struct{ r *bytes.Reader }

func (b roBuffer) Read(p []byte) (int, error) { return b.r.Read(p) }
func (b roBuffer) Write(p []byte) (int, error) { return 0, fmt.Errorf("roBuffer is read-only") }
func (b roBuffer) Close() error { return nil }
