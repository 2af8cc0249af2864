package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	flag "github.com/spf13/pflag"

	"github.com/docent-net/ecs-cluster-scaledown/pkg/awsclient"
	"github.com/docent-net/ecs-cluster-scaledown/pkg/config"
	"github.com/docent-net/ecs-cluster-scaledown/pkg/controller"
	"github.com/docent-net/ecs-cluster-scaledown/pkg/drain"
	"github.com/docent-net/ecs-cluster-scaledown/pkg/fleet"
	"github.com/docent-net/ecs-cluster-scaledown/pkg/gate"
	"github.com/docent-net/ecs-cluster-scaledown/pkg/metrics"
	"github.com/docent-net/ecs-cluster-scaledown/pkg/terminate"
	"github.com/docent-net/ecs-cluster-scaledown/pkg/tracing"
)

var version = "dev"

func main() {
	var (
		configPath  string
		clusterName string
		region      string
		groupName   string
		count       int
		instanceIDs []string
		ignoreList  []string
		alarmName   string
		maxWait     time.Duration
		dryRun      bool
		profile     string
		accessKey   string
		secretKey   string
		verbose     bool
		metricsAddr string
	)

	flag.StringVar(&configPath, "config", "", "Path to optional YAML config file")
	flag.StringVar(&clusterName, "cluster-name", "", "Name of the ECS cluster to scale down")
	flag.StringVar(&region, "region", "", "AWS region the cluster is in")
	flag.StringVar(&groupName, "group-name", "", "Autoscaling group name (discovered from instance tags when omitted)")
	flag.IntVar(&count, "count", 1, "Number of instances to remove; 0 only cleans up already-draining instances")
	flag.StringSliceVar(&instanceIDs, "instance-ids", nil, "Explicit EC2 instance ids to remove, in order; overrides count-based selection")
	flag.StringSliceVar(&ignoreList, "ignore-list", nil, "Task group name patterns that do not block termination")
	flag.StringVar(&alarmName, "alarm-name", "", "CloudWatch alarm that must be in ALARM state for scale-down to proceed")
	flag.DurationVar(&maxWait, "max-wait", 0, "How long an instance may stay DRAINING before being force-terminated; 0 waits forever")
	flag.BoolVar(&dryRun, "dry-run", false, "Run without making actual changes")
	flag.StringVar(&profile, "profile", "", "AWS shared config profile to use")
	flag.StringVar(&accessKey, "aws-access-key-id", "", "AWS access key id (static credentials)")
	flag.StringVar(&secretKey, "aws-secret-access-key", "", "AWS secret access key (static credentials)")
	flag.BoolVar(&verbose, "verbose", false, "Turn on debug logging")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "Expose Prometheus metrics on this address for the duration of the run")
	flag.Parse()

	cfg := &config.Config{Count: 1}
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			slog.Error("failed to load config", "path", configPath, "err", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Flags override file values when set on the command line.
	override := func(name string, apply func()) {
		if flag.CommandLine.Changed(name) {
			apply()
		}
	}
	override("cluster-name", func() { cfg.ClusterName = clusterName })
	override("region", func() { cfg.Region = region })
	override("group-name", func() { cfg.GroupName = groupName })
	override("count", func() { cfg.Count = count })
	override("instance-ids", func() { cfg.InstanceIDs = instanceIDs })
	override("ignore-list", func() { cfg.IgnoreList = ignoreList })
	override("alarm-name", func() { cfg.AlarmName = alarmName })
	override("max-wait", func() { cfg.MaxWait = maxWait })
	override("dry-run", func() { cfg.DryRun = dryRun })
	override("profile", func() { cfg.Profile = profile })
	override("aws-access-key-id", func() { cfg.AccessKeyID = accessKey })
	override("aws-secret-access-key", func() { cfg.SecretAccessKey = secretKey })
	override("metrics-addr", func() { cfg.MetricsAddr = metricsAddr })
	if verbose {
		cfg.LogLevel = "debug"
	}

	if err := cfg.ApplyDefaultsAndValidate(); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("Starting ecs-cluster-scaledown",
		"version", version,
		"cluster", cfg.ClusterName,
		"region", cfg.Region,
		"count", cfg.Count,
		"dryRun", cfg.DryRun)

	if err := tracing.Init("ecs-cluster-scaledown"); err != nil {
		slog.Error("failed to init tracing", "err", err)
		os.Exit(1)
	}
	defer tracing.Shutdown(context.Background())

	if cfg.MetricsAddr != "" {
		metrics.Serve(cfg.MetricsAddr)
	}

	ctx := context.Background()
	awsCfg, err := awsclient.NewConfig(ctx, awsclient.Options{
		Region:          cfg.Region,
		Profile:         cfg.Profile,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
	})
	if err != nil {
		slog.Error("failed to resolve AWS credentials", "err", err)
		os.Exit(1)
	}

	ecsClient := ecs.NewFromConfig(awsCfg)
	ec2Client := ec2.NewFromConfig(awsCfg)
	asgClient := autoscaling.NewFromConfig(awsCfg)
	cwClient := cloudwatch.NewFromConfig(awsCfg)

	cluster := fleet.ClusterRef{Name: cfg.ClusterName, Region: cfg.Region}
	inventory := fleet.NewInventory(ecsClient, ec2Client, cluster)
	evaluator := gate.NewEvaluator(asgClient, cwClient)
	coordinator := drain.NewCoordinator(ecsClient, inventory, cluster, cfg.IgnoreList, cfg.MaxWait, cfg.DryRun)
	executor := terminate.NewExecutor(asgClient, cfg.DryRun)

	r := controller.NewReconciler(
		inventory, evaluator, coordinator, executor,
		cluster, cfg.Count, cfg.InstanceIDs, cfg.AlarmName,
		controller.WithGroupName(cfg.GroupName),
	)

	if _, err := r.Run(ctx); err != nil {
		slog.Error("scale-down pass failed", "err", err)
		os.Exit(1)
	}
}
