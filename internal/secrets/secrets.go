// Package secrets resolves the webhook signing secrets at startup, either
// from a literal value or from an SSM SecureString parameter.
package secrets

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/storefront-gateway/internal/log"
	"github.com/keithlinneman/storefront-gateway/internal/xerrors"
)

// ParameterGetter is the slice of the SSM client used here.
type ParameterGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type Options struct {
	Logger log.Logger

	// Literal is used as-is when set.
	Literal string
	// SSMParam names a SecureString parameter holding the secret.
	SSMParam string

	// Client overrides the SSM client, AWSConfig the config it is built from
	// (default chain when both are nil).
	Client    ParameterGetter
	AWSConfig *aws.Config
}

// Resolve returns the signing secrets. Several comma-separated secrets are
// accepted so a rotated secret and its successor can both verify during the
// overlap. Values are never logged.
func Resolve(ctx context.Context, opts Options) ([][]byte, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	raw := opts.Literal
	if raw == "" {
		if opts.SSMParam == "" {
			return nil, xerrors.Config(xerrors.New("no webhook secret source configured"))
		}
		client := opts.Client
		if client == nil {
			awsCfg, err := loadAWSConfig(ctx, opts.AWSConfig)
			if err != nil {
				return nil, err
			}
			client = ssm.NewFromConfig(awsCfg)
		}
		v, err := fetch(ctx, client, opts.SSMParam)
		if err != nil {
			return nil, err
		}
		raw = v
		opts.Logger.Info(ctx, "webhook secret loaded from ssm", "param", opts.SSMParam)
	}

	out := split(raw)
	if len(out) == 0 {
		return nil, xerrors.Config(xerrors.New("webhook secret is empty"))
	}
	return out, nil
}

func loadAWSConfig(ctx context.Context, cfg *aws.Config) (aws.Config, error) {
	if cfg != nil {
		return *cfg, nil
	}
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, xerrors.Wrap(err, "load AWS config")
	}
	return awsCfg, nil
}

func fetch(ctx context.Context, client ParameterGetter, name string) (string, error) {
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", name)
	}
	return *out.Parameter.Value, nil
}

func split(raw string) [][]byte {
	var out [][]byte
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, []byte(s))
		}
	}
	return out
}
