package secretmanager

import (
	"context"
	"os"
	"time"

	vault "github.com/hashicorp/vault-client-go"
	"github.com/hashicorp/vault-client-go/schema"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("secretmanager", fx.Provide(ProvideVault))

// ProvideVault returns nil when VAULT_ADDR is unset so config loading skips the
// secret overlay. VAULT_TOKEN is picked up from the environment; otherwise
// VAULT_ROLE_ID and VAULT_SECRET_ID log in through AppRole.
func ProvideVault() (*vault.Client, error) {
	if os.Getenv("VAULT_ADDR") == "" {
		zap.L().Info("vault disabled, VAULT_ADDR not set")
		return nil, nil
	}

	client, err := vault.New(
		vault.WithEnvironment(),
		vault.WithRequestTimeout(10*time.Second),
	)
	if err != nil {
		return nil, err
	}

	roleID, secretID := os.Getenv("VAULT_ROLE_ID"), os.Getenv("VAULT_SECRET_ID")
	if os.Getenv("VAULT_TOKEN") != "" || roleID == "" {
		return client, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := client.Auth.AppRoleLogin(ctx, schema.AppRoleLoginRequest{
		RoleId:   roleID,
		SecretId: secretID,
	})
	if err != nil {
		return nil, err
	}
	if err := client.SetToken(resp.Auth.ClientToken); err != nil {
		return nil, err
	}
	zap.L().Info("vault approle login succeeded", zap.Duration("lease", time.Duration(resp.Auth.LeaseDuration)*time.Second))
	return client, nil
}
