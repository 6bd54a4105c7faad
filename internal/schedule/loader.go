package schedule

import (
	"errors"
	"fmt"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrEmptySchedule 表示计划文件没有可用条目。
var ErrEmptySchedule = errors.New("schedule: 计划文件没有可用条目")

type scheduleFile struct {
	Jobs []JobSpec `mapstructure:"jobs"`
}

// Load 读取计划文件并返回全部有效条目。
// 单个条目校验失败只影响该条目：错误被记录后跳过，其余条目照常加载。
func Load(path string, logger *zap.Logger) ([]*Job, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	jobs, errs, err := load(path)
	if err != nil {
		return nil, err
	}

	for _, entryErr := range multierr.Errors(errs) {
		logger.Error("计划条目无效，已跳过", zap.Error(entryErr))
	}

	if len(jobs) == 0 {
		if errs != nil {
			return nil, fmt.Errorf("%w: %v", ErrEmptySchedule, errs)
		}
		return nil, ErrEmptySchedule
	}

	logger.Info("计划加载完成",
		zap.String("path", path),
		zap.Int("jobs", len(jobs)),
		zap.Int("skipped", len(multierr.Errors(errs))),
	)
	return jobs, nil
}

// LoadStrict 与 Load 相同，但任一条目无效即返回错误。
func LoadStrict(path string, logger *zap.Logger) ([]*Job, error) {
	jobs, errs, err := load(path)
	if err != nil {
		return nil, err
	}
	if errs != nil {
		return nil, fmt.Errorf("schedule: 计划文件 %q 存在无效条目: %w", path, errs)
	}
	if len(jobs) == 0 {
		return nil, ErrEmptySchedule
	}
	if logger != nil {
		logger.Info("计划加载完成", zap.String("path", path), zap.Int("jobs", len(jobs)))
	}
	return jobs, nil
}

func load(path string) ([]*Job, error, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("读取计划文件 %q 失败: %w", path, err)
	}

	var file scheduleFile
	decode := func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
	}
	if err := v.Unmarshal(&file, decode); err != nil {
		return nil, nil, fmt.Errorf("解析计划文件 %q 失败: %w", path, err)
	}

	var (
		jobs []*Job
		errs error
	)
	for i, spec := range file.Jobs {
		job, err := spec.Normalize(i + 1)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		jobs = append(jobs, job)
	}

	return jobs, errs, nil
}
