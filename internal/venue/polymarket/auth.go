// auth.go implements Polymarket's two-layer authentication (EIP-712 L1
// wallet signature deriving a long-lived HMAC L2 key triplet) in the
// venue.Protocol shape: L1 headers (L1Headers) sign the one-time
// derive-api-key call whose result NewDeriveCredentialFetcher hands to
// the credential.Service, and L2 headers sign every authenticated REST
// call.
// Unlike kraken's 900s session token, the L2 triplet never expires on its
// own, so the credential.Service wrapping it reports an effectively
// infinite token lifetime.
package polymarket

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Credentials holds the L2 API key triplet returned by deriving from an L1
// wallet signature.
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
}

// SignatureType identifies the signing scheme for the CTF exchange
// contract: 0 for a plain EOA wallet, 1/2 for proxy/Gnosis Safe wallets.
type SignatureType int

const (
	SigEOA        SignatureType = 0
	SigProxy      SignatureType = 1
	SigGnosisSafe SignatureType = 2
)

// Auth holds one wallet's L1 signing key plus whatever L2 credentials have
// been derived or configured for it.
type Auth struct {
	privateKey    *ecdsa.PrivateKey
	address       common.Address
	funderAddress common.Address
	chainID       *big.Int
	sigType       SignatureType
	creds         Credentials
}

// NewAuth builds an Auth from a hex-encoded EOA private key. funderAddress
// may be empty, in which case the EOA itself is the funder (no proxy
// wallet).
func NewAuth(privateKeyHex, funderAddress string, chainID int64, sigType SignatureType) (*Auth, error) {
	keyHex := privateKeyHex
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}
	pk, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	address := crypto.PubkeyToAddress(pk.PublicKey)

	funder := address
	if funderAddress != "" {
		funder = common.HexToAddress(funderAddress)
	}

	return &Auth{
		privateKey:    pk,
		address:       address,
		funderAddress: funder,
		chainID:       big.NewInt(chainID),
		sigType:       sigType,
	}, nil
}

func (a *Auth) Address() common.Address       { return a.address }
func (a *Auth) FunderAddress() common.Address { return a.funderAddress }
func (a *Auth) ChainID() *big.Int             { return a.chainID }
func (a *Auth) SignatureType() SignatureType  { return a.sigType }

// HasCredentials reports whether an L2 key triplet is present.
func (a *Auth) HasCredentials() bool {
	return a.creds.APIKey != "" && a.creds.Secret != "" && a.creds.Passphrase != ""
}

// SetCredentials installs an L2 key triplet, derived or pre-configured.
func (a *Auth) SetCredentials(c Credentials) { a.creds = c }

// L1Headers builds the headers for the one-time derive-api-key call,
// signing an EIP-712 ClobAuth message with the wallet key.
func (a *Auth) L1Headers(nonce int) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := a.signClobAuth(timestamp, nonce)
	if err != nil {
		return nil, fmt.Errorf("sign clob auth: %w", err)
	}
	return map[string]string{
		"POLY_ADDRESS":   a.address.Hex(),
		"POLY_SIGNATURE": sig,
		"POLY_TIMESTAMP": timestamp,
		"POLY_NONCE":     strconv.Itoa(nonce),
	}, nil
}

// L2Headers builds the HMAC-signed headers every authenticated trading
// call carries. message = timestamp + method + path [+ body].
func (a *Auth) L2Headers(method, path, body string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := a.buildHMAC(timestamp, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("build hmac: %w", err)
	}
	return map[string]string{
		"POLY_ADDRESS":    a.address.Hex(),
		"POLY_SIGNATURE":  sig,
		"POLY_TIMESTAMP":  timestamp,
		"POLY_API_KEY":    a.creds.APIKey,
		"POLY_PASSPHRASE": a.creds.Passphrase,
	}, nil
}

// WSAuthPayload returns the credential fields the user WebSocket channel
// expects at subscribe time.
func (a *Auth) WSAuthPayload() map[string]string {
	return map[string]string{
		"apiKey":     a.creds.APIKey,
		"secret":     a.creds.Secret,
		"passphrase": a.creds.Passphrase,
	}
}

func (a *Auth) signClobAuth(timestamp string, nonce int) (string, error) {
	domain := apitypes.TypedDataDomain{
		Name:    "ClobAuthDomain",
		Version: "1",
		ChainId: (*ethmath.HexOrDecimal256)(new(big.Int).Set(a.chainID)),
	}
	types := apitypes.Types{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
		},
		"ClobAuth": {
			{Name: "address", Type: "address"},
			{Name: "timestamp", Type: "string"},
			{Name: "nonce", Type: "uint256"},
			{Name: "message", Type: "string"},
		},
	}
	message := apitypes.TypedDataMessage{
		"address":   a.address.Hex(),
		"timestamp": timestamp,
		"nonce":     fmt.Sprintf("%d", nonce),
		"message":   "This message attests that I control the given wallet",
	}

	typedData := apitypes.TypedData{Types: types, PrimaryType: "ClobAuth", Domain: domain, Message: message}
	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", fmt.Errorf("typed data hash: %w", err)
	}
	sig, err := crypto.Sign(hash, a.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign typed data: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + common.Bytes2Hex(sig), nil
}

func (a *Auth) buildHMAC(timestamp, method, path, body string) (string, error) {
	decoders := []*base64.Encoding{
		base64.URLEncoding, base64.RawURLEncoding, base64.StdEncoding, base64.RawStdEncoding,
	}
	var secretBytes []byte
	var err error
	for _, dec := range decoders {
		secretBytes, err = dec.DecodeString(a.creds.Secret)
		if err == nil {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}

	message := timestamp + method + path + body
	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}
