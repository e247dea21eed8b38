package storage

import (
	"github.com/fxamacker/cbor/v2"
)

const envelopeVersion uint8 = 1

// envelope is the stored form of an archive.
type envelope struct {
	Version     uint8          `cbor:"v"`
	Cipher      Cipher         `cbor:"e"`
	Compression compressionTag `cbor:"c"`
	Size        int64          `cbor:"n"`
	Created     int64          `cbor:"t"`
	Payload     []byte         `cbor:"p"`
}

var (
	envEncMode cbor.EncMode
	envDecMode cbor.DecMode
)

func init() {
	var err error
	envEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("storage: CBOR encoder initialization failed: " + err.Error())
	}
	envDecMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("storage: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeEnvelope(e envelope) ([]byte, error) {
	return envEncMode.Marshal(e)
}

func decodeEnvelope(data []byte) (envelope, error) {
	var e envelope
	err := envDecMode.Unmarshal(data, &e)
	return e, err
}
