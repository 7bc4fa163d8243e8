package collect_logs

import (
	"archive/zip"
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pierrec/lz4/v4"
	"gopkg.in/yaml.v3"

	"EnigmaNetz/Enigma-Cell-Sensor/config"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/version"
)

const (
	captureExt  = ".qmdl"
	analysisExt = ".ndjson"
	manifest    = "manifest.json"
)

// CollectLogs creates a zip archive with logs, the recording store, the
// effective config, version, and system info for diagnostics. Capture files
// are lz4 compressed inside the archive. zipName is the output file name
// (e.g., "cell-sensor-logs-YYYYMMDD-HHMMSS.zip").
func CollectLogs(zipName string, cfg *config.Config) (err error) {
	zipFile, err := os.Create(zipName)
	if err != nil {
		return fmt.Errorf("failed to create zip: %w", err)
	}
	defer func() {
		if cerr := zipFile.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close zip: %w", cerr)
		}
	}()

	zipWriter := zip.NewWriter(zipFile)
	defer func() {
		if cerr := zipWriter.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to finish zip: %w", cerr)
		}
	}()

	// Missing or unreadable sources are skipped; a partial bundle is still useful.
	if cfg != nil && cfg.Logging.File != "" {
		_ = addLogFiles(zipWriter, cfg.Logging.File)
	}
	if cfg != nil {
		_ = addStore(zipWriter, cfg.Store.Path)

		if data, err := yaml.Marshal(cfg); err == nil {
			_ = addStringToZip(zipWriter, "config.yaml", string(data))
		}
	}

	_ = addStringToZip(zipWriter, "version.txt", version.Version+"\n")
	_ = addStringToZip(zipWriter, "system-info.txt", getSystemInfo())
	return nil
}

// addLogFiles adds the active log file and its lumberjack backups, which
// share the directory and the base name.
func addLogFiles(zipWriter *zip.Writer, logFile string) error {
	dir := filepath.Dir(logFile)
	base := strings.TrimSuffix(filepath.Base(logFile), filepath.Ext(logFile))

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), base) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		_ = addFileToZip(zipWriter, path, filepath.Join("logs", entry.Name()))
	}
	return nil
}

// addStore adds the manifest and analysis files as-is and each capture file
// as a .qmdl.lz4 stream.
func addStore(zipWriter *zip.Writer, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		path := filepath.Join(dir, name)
		switch {
		case name == manifest, strings.HasSuffix(name, analysisExt):
			_ = addFileToZip(zipWriter, path, filepath.Join("qmdl", name))
		case strings.HasSuffix(name, captureExt):
			_ = addCompressedFileToZip(zipWriter, path, filepath.Join("qmdl", name+".lz4"))
		}
	}
	return nil
}

func addFileToZip(zipWriter *zip.Writer, filename, archiveName string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	w, err := zipWriter.Create(filepath.ToSlash(archiveName))
	if err != nil {
		return err
	}
	_, err = io.Copy(w, file)
	return err
}

// addCompressedFileToZip stores the file uncompressed by zip, since lz4 has
// already done the work.
func addCompressedFileToZip(zipWriter *zip.Writer, filename, archiveName string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	w, err := zipWriter.CreateHeader(&zip.FileHeader{
		Name:   filepath.ToSlash(archiveName),
		Method: zip.Store,
	})
	if err != nil {
		return err
	}
	lw := lz4.NewWriter(w)
	if _, err := io.Copy(lw, file); err != nil {
		return err
	}
	return lw.Close()
}

func addStringToZip(zipWriter *zip.Writer, filename, content string) error {
	w, err := zipWriter.Create(filename)
	if err != nil {
		return err
	}
	_, err = w.Write([]byte(content))
	return err
}

func getSystemInfo() string {
	var b strings.Builder
	fmt.Fprintf(&b, "OS: %s\nArch: %s\nGo version: %s\n", runtime.GOOS, runtime.GOARCH, runtime.Version())
	fmt.Fprintf(&b, "NumCPU: %d\nGOMAXPROCS: %d\n", runtime.NumCPU(), runtime.GOMAXPROCS(0))
	if hn, err := os.Hostname(); err == nil {
		fmt.Fprintf(&b, "Hostname: %s\n", hn)
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	fmt.Fprintf(&b, "Memory: Alloc=%d TotalAlloc=%d Sys=%d NumGC=%d\n", m.Alloc, m.TotalAlloc, m.Sys, m.NumGC)

	switch runtime.GOOS {
	case "linux":
		if f, err := os.Open("/etc/os-release"); err == nil {
			defer f.Close()
			b.WriteString("/etc/os-release:\n")
			scanner := bufio.NewScanner(f)
			for scanner.Scan() {
				line := scanner.Text()
				if strings.HasPrefix(line, "NAME=") || strings.HasPrefix(line, "VERSION=") || strings.HasPrefix(line, "PRETTY_NAME=") {
					b.WriteString("  " + line + "\n")
				}
			}
		}
		if data, err := os.ReadFile("/proc/sys/kernel/osrelease"); err == nil {
			b.WriteString("Kernel: " + strings.TrimSpace(string(data)) + "\n")
		}
		// Qualcomm modems expose the diag node; its absence explains most capture failures.
		if _, err := os.Stat("/dev/diag"); err == nil {
			b.WriteString("Diag device: present\n")
		} else {
			b.WriteString("Diag device: missing\n")
		}
	case "darwin":
		if out, err := exec.Command("uname", "-r").Output(); err == nil {
			b.WriteString("Kernel: " + strings.TrimSpace(string(out)) + "\n")
		}
	}
	return b.String()
}
