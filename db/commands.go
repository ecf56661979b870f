// File: db/commands.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// SQL command text, loaded once at startup from an override directory or
// from the embedded defaults.

package db

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

//go:embed sql/*.sql
var embedded embed.FS

// Commands holds the text of every statement the server issues.
type Commands struct {
	Schema           string
	InsertUser       string
	SelectUser       string
	SelectUserByName string
	UpdateUser       string
	InsertUserFile   string
	DeleteUserFile   string
	PurgeUserFile    string
	UserFileRefCount string
	InsertMsg        string
	SelectMsg        string
}

func (c *Commands) slots() map[string]*string {
	return map[string]*string{
		"schema":              &c.Schema,
		"insert_user":         &c.InsertUser,
		"select_user":         &c.SelectUser,
		"select_user_by_name": &c.SelectUserByName,
		"update_user":         &c.UpdateUser,
		"insert_userfile":     &c.InsertUserFile,
		"delete_userfile":     &c.DeleteUserFile,
		"purge_userfile":      &c.PurgeUserFile,
		"userfile_refcount":   &c.UserFileRefCount,
		"insert_msg":          &c.InsertMsg,
		"select_msg":          &c.SelectMsg,
	}
}

// LoadCommands reads <name>.sql for every statement. Files missing from dir
// fall back to the embedded copy; an empty dir uses the embedded set only.
func LoadCommands(dir string) (*Commands, error) {
	c := &Commands{}
	for name, slot := range c.slots() {
		file := name + ".sql"
		var (
			text []byte
			err  error
		)
		if dir != "" {
			text, err = os.ReadFile(dir + "/" + file)
			if err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("load %s: %w", file, err)
			}
		}
		if text == nil {
			text, err = fs.ReadFile(embedded, "sql/"+file)
			if err != nil {
				return nil, fmt.Errorf("load embedded %s: %w", file, err)
			}
		}
		*slot = strings.TrimSpace(string(text))
		if *slot == "" {
			return nil, fmt.Errorf("load %s: empty command", file)
		}
	}
	return c, nil
}
