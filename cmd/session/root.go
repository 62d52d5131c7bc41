package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/ValentinKolb/dSync/cmd/util"
	"github.com/ValentinKolb/dSync/provider/client"
	"github.com/ValentinKolb/dSync/provider/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// SyncCmd joins a room and opens an interactive shell on its shared state
var SyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Join a room and edit its shared state interactively",
	Long: `Join a room and edit its shared state interactively. Paths are dot separated
(e.g. items.0.name), values are parsed as JSON and fall back to plain strings.

Commands:
  get [path]           print the value at path (default: everything)
  set <path> <value>   set the value at path
  del <path>           delete the value at path
  presence <k> <value> set a field of the local presence state
  peers                list the presence states of all peers
  status               print the connection status
  resync               ask all peers for their state
  quit                 leave the room`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func init() {
	cobra.OnInitialize(util.InitConfig)
	util.SetupProviderFlags(SyncCmd)
}

func runSync(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	if err := common.InitLoggers(viper.GetString("log-level")); err != nil {
		return err
	}

	config, err := util.GetProviderConfig()
	if err != nil {
		return err
	}

	s, err := client.NewSession(config, client.SessionOptions{})
	if err != nil {
		return err
	}
	defer s.Close()

	s.On(func(e common.Event) {
		switch e.Type {
		case common.EventStatus:
			fmt.Fprintf(os.Stderr, "# %s %s\n", e.Status, e.Endpoint)
		case common.EventConnectionClose:
			if e.Terminal {
				fmt.Fprintln(os.Stderr, "# gave up reconnecting, use 'resync' or restart")
			}
		}
	})
	s.OnRemoteChange(func(any) {
		fmt.Fprintln(os.Stderr, "# remote change")
	})

	if err := s.Connect(); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "# joined %q as %s\n", config.Room, s.ClientID())

	return newShell(s, os.Stdout).run(os.Stdin)
}

// --------------------------------------------------------------------------
// Shell
// --------------------------------------------------------------------------

type shell struct {
	s   *client.Session
	out io.Writer
}

func newShell(s *client.Session, out io.Writer) *shell {
	return &shell{s: s, out: out}
}

func (sh *shell) run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		quit, err := sh.exec(scanner.Text())
		if err != nil {
			fmt.Fprintf(sh.out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
	return scanner.Err()
}

// exec runs a single command line
func (sh *shell) exec(line string) (quit bool, err error) {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "":
		return false, nil
	case "quit", "exit":
		return true, nil
	case "get":
		v, ok := sh.s.Get(rest)
		if !ok {
			return false, fmt.Errorf("no value at %q", rest)
		}
		return false, sh.print(v)
	case "set":
		path, raw, ok := strings.Cut(rest, " ")
		if !ok {
			return false, fmt.Errorf("usage: set <path> <value>")
		}
		return false, sh.s.Set(path, parseValue(raw))
	case "del":
		removed, err := sh.s.Delete(rest)
		if err != nil {
			return false, err
		}
		if !removed {
			return false, fmt.Errorf("no value at %q", rest)
		}
		return false, nil
	case "presence":
		field, raw, ok := strings.Cut(rest, " ")
		if !ok {
			return false, fmt.Errorf("usage: presence <field> <value>")
		}
		sh.s.SetPresenceField(field, parseValue(raw))
		return false, nil
	case "peers":
		states := sh.s.Presence()
		ids := make([]string, 0, len(states))
		for id := range states {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			data, _ := json.Marshal(states[id])
			fmt.Fprintf(sh.out, "%s\t%s\n", id, data)
		}
		return false, nil
	case "status":
		st := sh.s.Status()
		fmt.Fprintf(sh.out, "%s synced=%v endpoint=%s bus=%v peers=%d\n",
			st.Status, st.Synced, st.Endpoint, st.BusConnected, len(st.Peers))
		return false, nil
	case "resync":
		return false, sh.s.Resync(true)
	default:
		return false, fmt.Errorf("unknown command %q", cmd)
	}
}

func (sh *shell) print(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(sh.out, string(data))
	return err
}

// parseValue reads raw as JSON, anything else is kept as a string
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}
