package inference

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/tphakala/birdcam-go/internal/errors"
)

// LoadLabels reads one label per line. Blank lines and lines starting with
// '#' are skipped. An index prefix ("12 Northern Cardinal" or
// "12: Northern Cardinal") is stripped when present.
func LoadLabels(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryLabelLoad).
			Context("labels_file", path).
			Build()
	}
	defer file.Close()

	var labels []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		labels = append(labels, stripIndex(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryLabelLoad).
			Context("labels_file", path).
			Build()
	}
	if len(labels) == 0 {
		return nil, errors.Newf("labels file %s is empty", path).
			Category(errors.CategoryLabelLoad).
			Build()
	}
	return labels, nil
}

func stripIndex(line string) string {
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i == 0 || i == len(line) {
		return line
	}
	rest := strings.TrimLeft(line[i:], ":")
	if rest == "" || (rest[0] != ' ' && rest[0] != '\t') {
		return line
	}
	return strings.TrimSpace(rest)
}

// labelAt returns labels[id] or a synthetic "class_<id>" name
func labelAt(labels []string, id int) string {
	if id >= 0 && id < len(labels) {
		return labels[id]
	}
	return "class_" + strconv.Itoa(id)
}
