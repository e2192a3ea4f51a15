package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
)

// calculateBlockHash calculates the content hash of a block. Only the previous
// hash, the transactions, the timestamp and the producer are covered.
func calculateBlockHash(block Block) string {
	txs := block.Transactions
	if txs == nil {
		txs = []Transaction{}
	}
	blockData, _ := json.Marshal(struct {
		PrevHash     string
		Transactions []Transaction
		Timestamp    int64
		Producer     string
	}{
		PrevHash:     block.PrevHash,
		Transactions: txs,
		Timestamp:    block.Timestamp,
		Producer:     block.Producer,
	})

	hash := sha256.Sum256(blockData)
	return hex.EncodeToString(hash[:])
}

// GetTransactionSignableData returns the exact bytes a sender signs:
// sender, receiver, amount and id concatenated in that order.
func GetTransactionSignableData(tx Transaction) []byte {
	return []byte(fmt.Sprintf("%s%s%d%d", tx.Sender, tx.Receiver, tx.Amount, tx.ID))
}

// GenerateKeyPair creates a new P-256 key pair
func GenerateKeyPair() (*ecdsa.PrivateKey, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return privateKey, nil
}

// PublicKeyHex returns the hex-encoded public key in uncompressed format
func PublicKeyHex(publicKey *ecdsa.PublicKey) string {
	publicKeyBytes := elliptic.Marshal(publicKey.Curve, publicKey.X, publicKey.Y)
	return hex.EncodeToString(publicKeyBytes)
}

// NodeIDFromPublicKey derives the short node id from a public key
func NodeIDFromPublicKey(publicKey *ecdsa.PublicKey) string {
	publicKeyBytes := elliptic.Marshal(publicKey.Curve, publicKey.X, publicKey.Y)
	return fmt.Sprintf("%x", sha256.Sum256(publicKeyBytes))[:16]
}

// SignData signs data with the given private key and returns the 64-byte r||s signature
func SignData(privateKey *ecdsa.PrivateKey, data []byte) ([]byte, error) {
	hash := sha256.Sum256(data)

	r, s, err := ecdsa.Sign(rand.Reader, privateKey, hash[:])
	if err != nil {
		return nil, err
	}

	// Pad r and s to 32 bytes each for P-256 (64 bytes total)
	signature := make([]byte, 64)
	rBytes := r.Bytes()
	sBytes := s.Bytes()
	copy(signature[32-len(rBytes):32], rBytes)
	copy(signature[64-len(sBytes):64], sBytes)

	return signature, nil
}

// SignTransaction fills in the sender and signature of tx using privateKey
func SignTransaction(privateKey *ecdsa.PrivateKey, tx Transaction) (Transaction, error) {
	tx.Sender = PublicKeyHex(&privateKey.PublicKey)
	signature, err := SignData(privateKey, GetTransactionSignableData(tx))
	if err != nil {
		return tx, fmt.Errorf("failed to sign transaction: %w", err)
	}
	tx.Signature = hex.EncodeToString(signature)
	return tx, nil
}

// VerifyTransaction checks the transaction signature against its declared sender.
// Malformed keys or signatures are a failed verification, never an error.
func VerifyTransaction(tx Transaction) bool {
	return VerifySignature(tx.Sender, GetTransactionSignableData(tx), tx.Signature)
}

// VerifySignature verifies an ECDSA P-256 signature
// publicKeyHex: hex-encoded public key in uncompressed format (65 bytes: 0x04 || X || Y)
// data: the data that was signed
// signatureHex: hex-encoded signature (64 bytes: r || s, each padded to 32 bytes)
func VerifySignature(publicKeyHex string, data []byte, signatureHex string) bool {
	if publicKeyHex == "" || signatureHex == "" {
		return false
	}

	publicKeyBytes, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		logger.Debug("Failed to decode public key hex", "error", err)
		return false
	}

	x, y := elliptic.Unmarshal(elliptic.P256(), publicKeyBytes)
	if x == nil {
		logger.Debug("Failed to unmarshal public key")
		return false
	}

	publicKey := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     x,
		Y:     y,
	}

	signatureBytes, err := hex.DecodeString(signatureHex)
	if err != nil {
		logger.Debug("Failed to decode signature hex", "error", err)
		return false
	}

	if len(signatureBytes) != 64 {
		logger.Debug("Invalid signature length", "expected", 64, "got", len(signatureBytes))
		return false
	}

	r := new(big.Int).SetBytes(signatureBytes[:32])
	s := new(big.Int).SetBytes(signatureBytes[32:])

	hash := sha256.Sum256(data)

	return ecdsa.Verify(publicKey, hash[:], r, s)
}

// LoadOrCreateKey reads a PEM encoded EC private key from path, creating and
// writing a fresh one when the file does not exist. An empty path always
// returns an ephemeral key.
func LoadOrCreateKey(path string) (*ecdsa.PrivateKey, error) {
	if path == "" {
		return GenerateKeyPair()
	}

	data, err := os.ReadFile(path)
	if err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("no PEM block found in %s", path)
		}
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse key file %s: %w", path, err)
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	key, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key: %w", err)
	}
	encoded := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, encoded, 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return key, nil
}
