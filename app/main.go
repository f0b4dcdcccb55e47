package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/jobq/app/conditions"
	"github.com/umputun/jobq/app/notify"
	"github.com/umputun/jobq/app/queue"
	"github.com/umputun/jobq/app/schedule"
	"github.com/umputun/jobq/app/store"
	"github.com/umputun/jobq/app/web"
)

var opts struct {
	Submit SubmitCommand `command:"submit" description:"add a job to the queue"`
	Worker WorkerCommand `command:"worker" description:"run the processing loop"`
	List   ListCommand   `command:"list" description:"print the queue"`
	Schema SchemaCommand `command:"schema" description:"print json schema for the schedules file"`

	Store struct {
		Type string `long:"type" env:"TYPE" choice:"file" choice:"sqlite" default:"file" description:"queue backend"`
		File string `long:"file" env:"FILE" default:"jobq.csv" description:"path to the csv queue file"`
		DB   string `long:"db" env:"DB" default:"jobq.db" description:"path to the sqlite database"`
	} `group:"store" namespace:"store" env-namespace:"JOBQ_STORE"`

	Repeater struct {
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"1" description:"how many times to repeat failed processing"`
		Duration time.Duration `long:"duration" env:"DURATION" default:"1s" description:"initial duration"`
		Factor   float64       `long:"factor" env:"FACTOR" default:"3" description:"backoff factor"`
		Jitter   bool          `long:"jitter" env:"JITTER" description:"jitter"`
	} `group:"repeater" namespace:"repeater" env-namespace:"JOBQ_REPEATER"`

	Notify struct {
		EnabledError       bool          `long:"enabled-error" env:"ENABLED_ERROR" description:"enable error notifications"`
		EnabledCompletion  bool          `long:"enabled-complete" env:"ENABLED_COMPLETE" description:"enable completion notifications"`
		ErrorTemplate      string        `long:"err-template" env:"ERR_TEMPLATE" description:"error message template file"`
		CompletionTemplate string        `long:"complete-template" env:"COMPLETE_TEMPLATE" description:"completion message template file"`
		SMTPHost           string        `long:"smtp-host" env:"SMTP_HOST" description:"SMTP host"`
		SMTPPort           int           `long:"smtp-port" env:"SMTP_PORT" description:"SMTP port"`
		SMTPUsername       string        `long:"smtp-username" env:"SMTP_USERNAME" description:"SMTP user name"`
		SMTPPassword       string        `long:"smtp-password" env:"SMTP_PASSWORD" description:"SMTP password"`
		SMTPTLS            bool          `long:"smtp-tls" env:"SMTP_TLS" description:"enable SMTP TLS"`
		SMTPStartTLS       bool          `long:"smtp-starttls" env:"SMTP_STARTTLS" description:"enable SMTP StartTLS"`
		SMTPTimeOut        time.Duration `long:"smtp-timeout" env:"SMTP_TIMEOUT" default:"10s" description:"SMTP TCP connection timeout"`
		FromEmail          string        `long:"from" env:"FROM" description:"SMTP from email"`
		ToEmails           []string      `long:"to" env:"TO" description:"SMTP to email(s)" env-delim:","`
		Webhooks           []string      `long:"webhook" env:"WEBHOOK" description:"webhook url(s)" env-delim:","`
		WebhookTimeOut     time.Duration `long:"webhook-timeout" env:"WEBHOOK_TIMEOUT" default:"5s" description:"webhook request timeout"`
		WebhookHeaders     []string      `long:"webhook-header" env:"WEBHOOK_HEADERS" description:"webhook header(s), key:value" env-delim:","`
		TimeOut            time.Duration `long:"timeout" env:"TIMEOUT" default:"30s" description:"notification delivery timeout"`
		HostName           string        `long:"host" env:"HOSTNAME" description:"host name running jobq"`
	} `group:"notify" namespace:"notify" env-namespace:"JOBQ_NOTIFY"`

	When struct {
		CPUBelow            int     `long:"cpu-below" env:"CPU_BELOW" description:"claim only when cpu usage is below, in percent"`
		MemoryBelow         int     `long:"memory-below" env:"MEMORY_BELOW" description:"claim only when memory usage is below, in percent"`
		LoadAvgBelow        float64 `long:"loadavg-below" env:"LOADAVG_BELOW" description:"claim only when 1m load average is below"`
		DiskFreeAbove       int     `long:"disk-free-above" env:"DISK_FREE_ABOVE" description:"claim only when free disk space is above, in percent"`
		DiskFreePath        string  `long:"disk-free-path" env:"DISK_FREE_PATH" default:"/" description:"path to check disk free space"`
		Custom              string  `long:"custom" env:"CUSTOM" description:"custom check command, zero exit code allows claiming"`
		MaxConcurrentChecks int     `long:"max-concurrent-checks" env:"MAX_CONCURRENT_CHECKS" default:"10" description:"limit of parallel condition checks"`
	} `group:"when" namespace:"when" env-namespace:"JOBQ_WHEN"`

	Web struct {
		Enabled      bool   `long:"enabled" env:"ENABLED" description:"enable web API"`
		Listen       string `long:"listen" env:"LISTEN" default:":8080" description:"web API listen address"`
		PasswordHash string  `long:"password-hash" env:"PASSWORD_HASH" description:"bcrypt hash protecting the API with basic auth"`
		SubmitLimit  float64 `long:"submit-limit" env:"SUBMIT_LIMIT" default:"10" description:"submit endpoint rate limit, requests per second"`
	} `group:"web" namespace:"web" env-namespace:"JOBQ_WEB"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging"`
		Filename        string `long:"filename" env:"FILENAME" description:"file to write logs to, default stdout only"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"maximum log file size in megabytes before rotation"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"maximum days to retain old log files"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"maximum number of old log files to retain"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"enable compression of rotated files"`
	} `group:"log" namespace:"log" env-namespace:"JOBQ_LOG"`

	Dbg bool `long:"dbg" env:"JOBQ_DEBUG" description:"debug mode"`
}

var revision = "unknown"

// stdout receives processing output, setupLogs points it to the rotated log
// file when file logging is enabled
var stdout io.Writer = os.Stdout

func main() {
	fmt.Printf("jobq %s\n", revision)

	p := flags.NewParser(&opts, flags.Default)
	p.CommandHandler = func(command flags.Commander, args []string) error {
		stdout = setupLogs()

		defer func() {
			if x := recover(); x != nil {
				log.Printf("[WARN] run time panic:\n%v", x)
				panic(x)
			}
		}()

		return command.Execute(args)
	}

	if _, err := p.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}
}

// SubmitCommand adds one pending job, or keeps submitting on cron schedules
type SubmitCommand struct {
	Schedule     string `long:"schedule" env:"SCHEDULE" description:"cron spec, submit on every tick instead of once"`
	ScheduleFile string `short:"f" long:"file" env:"FILE" description:"yaml file with submission schedules"`
}

// Execute submits a job and prints its id. With a schedule it blocks and
// submits on every tick until terminated.
func (cmd *SubmitCommand) Execute(_ []string) error {
	st, err := makeStore()
	if err != nil {
		return err
	}
	defer closeStore(st)

	p := queue.Producer{Store: st}

	if cmd.Schedule == "" && cmd.ScheduleFile == "" {
		id, err := p.Submit(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("job %d\n", id)
		return nil
	}

	var schedules queue.Schedules
	if cmd.ScheduleFile != "" {
		schedules = schedule.File{Path: cmd.ScheduleFile}
	} else {
		schedules = schedule.Single{Spec: cmd.Schedule}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signals(cancel)
	return p.RunScheduled(ctx, schedules)
}

// WorkerCommand runs the consumer loop processing queued jobs
type WorkerCommand struct {
	Command      string        `short:"c" long:"command" env:"COMMAND" required:"true" description:"shell command template processing each job, e.g. \"process.sh {{.ID}}\""`
	Poll         time.Duration `long:"poll" env:"POLL" default:"5s" description:"idle wait when the queue has nothing pending"`
	ErrBackoff   time.Duration `long:"backoff" env:"BACKOFF" default:"5s" description:"wait after a failed cycle"`
	OnFailure    string        `long:"on-failure" env:"ON_FAILURE" choice:"leave" choice:"requeue" choice:"fail" default:"leave" description:"what to do with a job when processing fails"`
	ReclaimAfter time.Duration `long:"reclaim-after" env:"RECLAIM_AFTER" description:"requeue jobs stuck in progress longer than this, 0 disables"`
	Drain        bool          `long:"drain" env:"DRAIN" description:"process the pending backlog and exit"`
	Concurrency  int           `long:"concurrency" env:"CONCURRENCY" default:"1" description:"parallel runners in drain mode"`
	LogPrefix    bool          `long:"log-prefix" env:"LOG_PREFIX" description:"prefix output lines with the job id"`
	MaxLogLines  int           `long:"max-log" env:"MAX_LOG" default:"100" description:"max number of output lines kept for error reports"`
}

// Execute runs the claim/process/complete loop until terminated, or drains
// the pending backlog and exits when --drain is set.
func (cmd *WorkerCommand) Execute(_ []string) error {
	st, err := makeStore()
	if err != nil {
		return err
	}
	defer closeStore(st)

	policy, err := queue.ParseFailurePolicy(cmd.OnFailure)
	if err != nil {
		return err
	}

	rptr := repeater.New(&strategy.Backoff{Repeats: opts.Repeater.Attempts, Duration: opts.Repeater.Duration,
		Factor: opts.Repeater.Factor, Jitter: opts.Repeater.Jitter})

	runner := &queue.ShellRunner{
		Command:         cmd.Command,
		Repeater:        rptr,
		EnableLogPrefix: cmd.LogPrefix,
		MaxLogLines:     cmd.MaxLogLines,
		Stdout:          stdout,
	}

	consumer := queue.Consumer{
		Store:         st,
		Runner:        runner,
		Notifier:      makeNotifier(),
		HostName:      makeHostName(),
		PollInterval:  cmd.Poll,
		ErrBackoff:    cmd.ErrBackoff,
		NotifyTimeout: opts.Notify.TimeOut,
		OnFailure:     policy,
		ReclaimAfter:  cmd.ReclaimAfter,
	}
	if conds := makeConditions(); conds != nil {
		consumer.ConditionChecker = conditions.NewChecker(opts.When.MaxConcurrentChecks)
		consumer.Conditions = conds
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signals(cancel)

	if opts.Web.Enabled {
		srv, err := web.New(web.Config{Store: st, Version: revision, PasswordHash: opts.Web.PasswordHash,
			SubmitLimit: opts.Web.SubmitLimit})
		if err != nil {
			return err
		}
		go func() {
			if err := srv.Run(ctx, opts.Web.Listen); err != nil {
				log.Printf("[WARN] web server terminated, %v", err)
			}
		}()
	}

	if cmd.Drain {
		n, err := consumer.Drain(ctx, cmd.Concurrency)
		if err != nil {
			return err
		}
		fmt.Printf("processed %d jobs\n", n)
		return nil
	}

	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ListCommand prints the queue state
type ListCommand struct {
	JSON bool `long:"json" env:"JSON" description:"json output"`
}

// Execute prints all jobs, a table by default or json with --json
func (cmd *ListCommand) Execute(_ []string) error {
	st, err := makeStore()
	if err != nil {
		return err
	}
	defer closeStore(st)

	jobs, err := st.Load(context.Background())
	if err != nil {
		return err
	}

	if cmd.JSON {
		return json.NewEncoder(os.Stdout).Encode(jobs)
	}

	fmt.Printf("%-6s %-12s %-30s %-30s\n", "ID", "STATUS", "CREATED", "UPDATED")
	for _, job := range jobs {
		fmt.Printf("%-6d %-12s %-30s %-30s\n", job.ID, job.Status, job.CreatedAt, job.UpdatedAt)
	}
	return nil
}

// SchemaCommand prints json schema for the schedules yaml file
type SchemaCommand struct{}

// Execute generates the schema and prints it to stdout
func (cmd *SchemaCommand) Execute(_ []string) error {
	sch, err := schedule.GenerateSchema()
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(sch, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}
	fmt.Println(string(b))
	return nil
}

// queueStore is the full backend contract shared by all subcommands
type queueStore interface {
	queue.Store
	Close() error
}

func makeStore() (queueStore, error) {
	switch opts.Store.Type {
	case "file":
		log.Printf("[DEBUG] file store %s", opts.Store.File)
		return store.NewFileStore(opts.Store.File), nil
	case "sqlite":
		log.Printf("[DEBUG] sqlite store %s", opts.Store.DB)
		return store.NewSQLiteStore(opts.Store.DB)
	}
	return nil, fmt.Errorf("unknown store type %q", opts.Store.Type)
}

func closeStore(st queueStore) {
	if err := st.Close(); err != nil {
		log.Printf("[WARN] failed to close store: %v", err)
	}
}

func makeNotifier() *notify.Service {
	if !opts.Notify.EnabledError && !opts.Notify.EnabledCompletion {
		return nil
	}

	if opts.Notify.FromEmail == "" {
		opts.Notify.FromEmail = "jobq@" + makeHostName()
	}

	return notify.NewService(
		notify.Params{
			EnabledError:       opts.Notify.EnabledError,
			EnabledCompletion:  opts.Notify.EnabledCompletion,
			ErrorTemplate:      opts.Notify.ErrorTemplate,
			CompletionTemplate: opts.Notify.CompletionTemplate,
			HostName:           makeHostName(),
		},
		notify.SendersParams{
			SMTPHost:       opts.Notify.SMTPHost,
			SMTPPort:       opts.Notify.SMTPPort,
			SMTPUsername:   opts.Notify.SMTPUsername,
			SMTPPassword:   opts.Notify.SMTPPassword,
			SMTPTLS:        opts.Notify.SMTPTLS,
			SMTPStartTLS:   opts.Notify.SMTPStartTLS,
			SMTPTimeOut:    opts.Notify.SMTPTimeOut,
			FromEmail:      opts.Notify.FromEmail,
			ToEmails:       opts.Notify.ToEmails,
			WebhookURLs:    opts.Notify.Webhooks,
			WebhookTimeOut: opts.Notify.WebhookTimeOut,
			WebhookHeaders: opts.Notify.WebhookHeaders,
		},
	)
}

// makeConditions returns nil when no gating is configured
func makeConditions() *conditions.Config {
	w := opts.When
	if w.CPUBelow == 0 && w.MemoryBelow == 0 && w.LoadAvgBelow == 0 && w.DiskFreeAbove == 0 && w.Custom == "" {
		return nil
	}

	cfg := conditions.Config{DiskFreePath: w.DiskFreePath, Custom: w.Custom}
	if w.CPUBelow > 0 {
		cfg.CPUBelow = &w.CPUBelow
	}
	if w.MemoryBelow > 0 {
		cfg.MemoryBelow = &w.MemoryBelow
	}
	if w.LoadAvgBelow > 0 {
		cfg.LoadAvgBelow = &w.LoadAvgBelow
	}
	if w.DiskFreeAbove > 0 {
		cfg.DiskFreeAbove = &w.DiskFreeAbove
	}
	return &cfg
}

func makeHostName() string {
	if opts.Notify.HostName != "" {
		return opts.Notify.HostName
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// setupLogs configures lgr and returns the writer for processing output,
// stdout by default or the rotated log file when file logging is enabled
func setupLogs() io.Writer {
	if !opts.Log.Enabled {
		log.Setup(log.Out(io.Discard), log.Err(io.Discard))
		return os.Stdout
	}

	log.Setup(log.Msec)
	if opts.Dbg {
		log.Setup(log.Debug, log.CallerFile, log.CallerFunc, log.Msec)
	}

	if opts.Log.Filename != "" {
		fileLogger := &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
			LocalTime:  true,
		}
		log.Setup(
			log.Out(io.MultiWriter(os.Stdout, fileLogger)),
			log.Err(io.MultiWriter(os.Stderr, fileLogger)),
		)
		return fileLogger
	}

	return os.Stdout
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			cancel() // terminate on SIGTERM or SIGINT
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
}
