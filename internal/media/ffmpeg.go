package media

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// DefaultFFmpegPath is used when no ffmpeg binary is configured.
const DefaultFFmpegPath = "ffmpeg"

// FFmpegLauncher streams an audio file as PCMU over RTP using ffmpeg.
type FFmpegLauncher struct {
	path   string
	logger *slog.Logger
}

// NewFFmpegLauncher creates a launcher for the ffmpeg binary at path.
func NewFFmpegLauncher(path string, logger *slog.Logger) *FFmpegLauncher {
	if path == "" {
		path = DefaultFFmpegPath
	}
	return &FFmpegLauncher{
		path:   path,
		logger: logger.With("subsystem", "ffmpeg"),
	}
}

// Args returns the ffmpeg command line for stream, without the binary.
func (l *FFmpegLauncher) Args(stream Stream) []string {
	url := fmt.Sprintf("rtp://%s?localrtpport=%d&localaddr=%s",
		stream.Target.String(), stream.LocalPort, stream.LocalIP)

	return []string{
		"-hide_banner",
		"-nostdin",
		"-loglevel", "error",
		"-re",
		"-stream_loop", "-1",
		"-i", stream.Source,
		"-vn",
		"-ac", "1",
		"-ar", "8000",
		"-acodec", "pcm_mulaw",
		"-f", "rtp",
		url,
	}
}

// Launch starts ffmpeg and watches it until it exits.
func (l *FFmpegLauncher) Launch(stream Stream, emit func(Event)) (Process, error) {
	cmd := exec.Command(l.path, l.Args(stream)...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("opening ffmpeg stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting ffmpeg: %w", err)
	}

	p := &ffmpegProcess{cmd: cmd}
	l.logger.Debug("ffmpeg started",
		"pid", cmd.Process.Pid,
		"args", strings.Join(cmd.Args, " "),
	)
	emit(Event{Kind: EventStarted})

	go l.watch(p, stderr, emit)
	return p, nil
}

// watch drains stderr, then reaps the process and reports how it ended.
func (l *FFmpegLauncher) watch(p *ffmpegProcess, stderr io.Reader, emit func(Event)) {
	pid := p.cmd.Process.Pid

	var lastLine string
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lastLine = line
		l.logger.Debug("ffmpeg output", "pid", pid, "line", line)
	}

	err := p.cmd.Wait()
	code, signal := exitStatus(p.cmd, err)

	switch {
	case signal != "":
		emit(Event{Kind: EventRuntimeError, Message: "ffmpeg killed by signal " + signal})
	case code == 0:
		emit(Event{Kind: EventStreamEnded})
	default:
		msg := "ffmpeg exited with code " + strconv.Itoa(code)
		if lastLine != "" {
			msg += ": " + lastLine
		}
		emit(Event{Kind: EventRuntimeError, Message: msg})
	}

	emit(Event{Kind: EventExited, Code: code, Signal: signal})
}

// exitStatus extracts the exit code, or the terminating signal name, from a
// finished command.
func exitStatus(cmd *exec.Cmd, waitErr error) (int, string) {
	state := cmd.ProcessState
	if state == nil {
		return -1, ""
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1, ws.Signal().String()
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode(), ""
	}
	return state.ExitCode(), ""
}

type ffmpegProcess struct {
	cmd *exec.Cmd
}

func (p *ffmpegProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *ffmpegProcess) Terminate() error {
	return ignoreDone(p.cmd.Process.Signal(syscall.SIGTERM))
}

func (p *ffmpegProcess) Kill() error {
	return ignoreDone(p.cmd.Process.Kill())
}

// ignoreDone treats signalling an already reaped process as success.
func ignoreDone(err error) error {
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// CheckSource verifies that the audio file exists and is a regular file.
func CheckSource(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("audio file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("audio file %s is not a regular file", path)
	}
	return nil
}
