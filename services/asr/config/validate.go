// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// stageNames are the stage keys accepted in per-stage settings.
var stageNames = map[string]bool{
	"search":    true,
	"align":     true,
	"infer":     true,
	"reconcile": true,
	"ancestors": true,
}

// configValidate is shared by every Validate call. Initialized in init()
// with the custom stage validator.
var configValidate *validator.Validate

func init() {
	configValidate = validator.New()

	// asrstage accepts only pipeline stage names.
	if err := configValidate.RegisterValidation("asrstage", func(fl validator.FieldLevel) bool {
		return stageNames[fl.Field().String()]
	}); err != nil {
		panic(fmt.Sprintf("register asrstage validator: %v", err))
	}
}

// Validate checks struct tags and the cross-field rules tags cannot
// express.
//
// Outputs:
//
//	error - nil, or an error wrapping ErrInvalid that lists every failing
//	        field by its YAML-ish path.
func (c *Config) Validate() error {
	var problems []string
	if err := configValidate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}

	if c.Mirror.Backend == "s3" && c.Mirror.Region == "" && c.Mirror.Endpoint == "" {
		problems = append(problems, "Mirror.Region: s3 needs a region or an endpoint")
	}
	if c.Report.DSN == "" && c.Report.Driver == "pgx" {
		problems = append(problems, "Report.DSN: pgx needs a connection string")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func describe(fe validator.FieldError) string {
	path := strings.TrimPrefix(fe.Namespace(), "Config.")
	if fe.Param() != "" {
		return fmt.Sprintf("%s: failed %s=%s", path, fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s: failed %s", path, fe.Tag())
}
