package adapter

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"go.opentelemetry.io/otel/attribute"

	"github.com/aelexs/captionsync/internal/domain"
)

// smClient is the narrow consumer-defined interface for Secrets Manager operations.
type smClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// ssmClient is the narrow consumer-defined interface for SSM Parameter Store operations.
type ssmClient interface {
	GetParameter(ctx context.Context, params *awsssm.GetParameterInput, optFns ...func(*awsssm.Options)) (*awsssm.GetParameterOutput, error)
}

// ssmRefPrefix marks a secret reference that lives in SSM Parameter Store
// as a SecureString. Anything else is a Secrets Manager ID or ARN.
const ssmRefPrefix = "ssm:"

// SecretLoader resolves credential references at startup.
type SecretLoader struct {
	sm  smClient
	ssm ssmClient
}

// NewSecretLoader creates a SecretLoader. Either client may be nil when no
// reference of that kind is configured.
func NewSecretLoader(sm smClient, ssm ssmClient) *SecretLoader {
	return &SecretLoader{sm: sm, ssm: ssm}
}

// Load fetches the secret named by ref: "ssm:/path/to/param" reads a
// decrypted SecureString parameter, any other value is a Secrets Manager ID.
func (l *SecretLoader) Load(ctx context.Context, ref string) (domain.SecretString, error) {
	ctx, span := tracer.Start(ctx, "aws.secret.load")
	defer span.End()

	if ref == "" {
		return "", fmt.Errorf("%w: empty secret reference", domain.ErrConfigRequired)
	}

	if name, ok := strings.CutPrefix(ref, ssmRefPrefix); ok {
		span.SetAttributes(attribute.String("aws.service", "ssm"))
		secret, err := l.loadParameter(ctx, name)
		if err != nil {
			failSpan(span, err)
		}
		return secret, err
	}

	span.SetAttributes(attribute.String("aws.service", "secretsmanager"))
	secret, err := l.loadSecret(ctx, ref)
	if err != nil {
		failSpan(span, err)
	}
	return secret, err
}

func (l *SecretLoader) loadSecret(ctx context.Context, id string) (domain.SecretString, error) {
	if l.sm == nil {
		return "", fmt.Errorf("secret %q: no Secrets Manager client", id)
	}
	out, err := l.sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(id),
	})
	if err != nil {
		return "", fmt.Errorf("fetching secret %q from Secrets Manager: %w", id, err)
	}
	if out.SecretString == nil || *out.SecretString == "" {
		return "", fmt.Errorf("secret %q has no secret string", id)
	}
	return domain.SecretString(strings.TrimSpace(*out.SecretString)), nil
}

func (l *SecretLoader) loadParameter(ctx context.Context, name string) (domain.SecretString, error) {
	if l.ssm == nil {
		return "", fmt.Errorf("parameter %q: no SSM client", name)
	}
	out, err := l.ssm.GetParameter(ctx, &awsssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("fetching parameter %q from SSM: %w", name, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil || *out.Parameter.Value == "" {
		return "", fmt.Errorf("SSM parameter %s has no value", name)
	}
	return domain.SecretString(strings.TrimSpace(*out.Parameter.Value)), nil
}
