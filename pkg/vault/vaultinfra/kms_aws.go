package vaultinfra

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/quantrail/identity/pkg/vault"
)

// AWSKMS implements vault.KMS using AWS KMS symmetric master keys.
type AWSKMS struct {
	client *kms.Client
}

func NewAWSKMS(client *kms.Client) vault.KMS {
	return &AWSKMS{client: client}
}

func (a *AWSKMS) Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	out, err := a.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     &keyID,
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, err
	}
	return out.CiphertextBlob, nil
}

func (a *AWSKMS) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	// KMS ciphertext blobs embed the key id; no need to pass it.
	out, err := a.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: ciphertext,
	})
	if err != nil {
		return nil, err
	}
	return out.Plaintext, nil
}
