package services

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
	"github.com/hubot-paas/orchestrator/pkg/utils"
)

var (
	namePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

	colors = []string{"red", "pink", "violet", "black", "white", "gold", "green", "yellow", "blue", "gray"}
	zodiac = []string{"rat", "ox", "tiger", "hare", "dragon", "snake", "horse", "sheep", "monkey", "cock", "dog", "boar"}

	validate = newValidator()
)

const (
	defaultCPUs       = 1
	defaultMem        = 512
	defaultVolumeSize = 16
	defaultBackupKeep = 7
)

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("resname", func(fl validator.FieldLevel) bool {
		return namePattern.MatchString(fl.Field().String())
	})
	return v
}

// validationError turns validator failures into one invalid error naming
// every offending field.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return appErr.Wrap(err, appErr.CodeInvalid, "invalid request")
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s fails %s", fe.Field(), fe.Tag()))
	}
	return appErr.New(appErr.CodeInvalid, strings.Join(msgs, "; "))
}

func randomName() string {
	return utils.RandomLower(4) + "-" + utils.RandomChoice(zodiac)
}

func randomColor() string {
	return utils.RandomChoice(colors)
}

// check enforces the configured ceilings. Zero values are left to defaults
// and not checked here.
func (l Limits) check(cpus, mem float64, size, keep int) error {
	switch {
	case cpus < 0 || cpus > l.MaxCPUs:
		return appErr.Newf(appErr.CodeInvalid, "cpus should be 0 < cpus <= %g", l.MaxCPUs)
	case mem < 0 || mem > l.MaxMem:
		return appErr.Newf(appErr.CodeInvalid, "mem should be 0 < mem <= %g", l.MaxMem)
	case size < 0 || size > l.MaxVolumeSize:
		return appErr.Newf(appErr.CodeInvalid, "size should be 0 < size <= %d", l.MaxVolumeSize)
	case keep < 0 || keep >= l.MaxBackupKeep:
		return appErr.Newf(appErr.CodeInvalid, "backup keep should be 0 <= keep < %d", l.MaxBackupKeep)
	}
	return nil
}
