// Copyright 2024 The BM2 Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bm2

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	pkgerrors "github.com/pkg/errors"
)

// BackupConfig controls the optional off-host copy of a Save() dump
// (spec.md §4.10's documented extension point). Save() itself never
// reads this back; Resurrect always reads the local dumpPath, keeping
// the no-shared-state Non-goal intact even with backup enabled.
type BackupConfig struct {
	Enabled bool
	Bucket  string
	Region  string
	Key     string
}

// uploadBackup uploads the file at path to cfg.Bucket/cfg.Key using a
// plain PutObject call; the module has no use for the multipart
// manager subpackage at dump-file sizes, so it isn't pulled in.
func uploadBackup(ctx context.Context, cfg BackupConfig, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return pkgerrors.Wrap(err, "backup: open dump file")
	}
	defer f.Close()

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return pkgerrors.Wrap(err, "backup: load aws config")
	}

	client := s3.NewFromConfig(awsCfg)
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &cfg.Bucket,
		Key:    &cfg.Key,
		Body:   f,
	})
	if err != nil {
		return pkgerrors.Wrap(err, "backup: put object")
	}
	return nil
}
