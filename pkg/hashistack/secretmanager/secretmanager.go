package secretmanager

import (
	vault "github.com/hashicorp/vault-client-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides a vault client configured from VAULT_ADDR / VAULT_TOKEN.
// Including it makes config.LoadConfig overlay credentials from vault.
var Module = fx.Module("secretmanager", fx.Provide(ProvideVault))

func ProvideVault() (*vault.Client, error) {
	client, err := vault.New(
		vault.WithEnvironment(),
	)
	if err != nil {
		zap.L().Error("[Vault] failed to create client", zap.Error(err))
		return nil, err
	}

	return client, nil
}
