package filestatus

import (
	"path"
	"strings"
)

// Command categories stored in file status metadata.
const (
	CategoryFileTransfer     = "file_transfer"
	CategoryDeletion         = "deletion"
	CategoryPermissionChange = "permission_change"
	CategoryEncryption       = "encryption"
	CategoryExecution        = "execution"
	CategoryOther            = "other"
)

type rule struct {
	category string
	words    []string
	phrases  []string
}

// Checked in order; the first match wins.
var rules = []rule{
	{
		category: CategoryFileTransfer,
		words: []string{"upload", "download", "wget", "curl", "scp", "sftp", "ftp", "tftp", "rsync", "cp", "copy",
			"xcopy", "robocopy", "mv", "move", "bitsadmin", "iwr", "invoke-webrequest", "copy-item", "put", "get"},
		phrases: []string{"certutil -urlcache", "certutil.exe -urlcache", "downloadfile", "net use"},
	},
	{
		category: CategoryDeletion,
		words:    []string{"rm", "del", "erase", "rmdir", "rd", "shred", "sdelete", "unlink", "remove-item", "wipe"},
		phrases:  []string{"cipher /w"},
	},
	{
		category: CategoryPermissionChange,
		words:    []string{"chmod", "chown", "chgrp", "icacls", "cacls", "takeown", "attrib", "setfacl", "set-acl"},
	},
	{
		category: CategoryEncryption,
		words:    []string{"gpg", "encrypt", "cipher", "ccrypt", "age", "veracrypt"},
		phrases:  []string{"openssl enc", "7z a -p", "zip -e", "zip --encrypt", "protect-cmsmessage"},
	},
	{
		category: CategoryExecution,
		words: []string{"exec", "run", "start", "powershell", "pwsh", "cmd", "bash", "sh", "python", "python3",
			"perl", "rundll32", "regsvr32", "mshta", "wscript", "cscript", "wmic", "psexec", "schtasks", "at",
			"invoke-expression", "iex", "start-process", "nohup", "execute-assembly", "inject", "shinject"},
		phrases: []string{"./"},
	},
}

// ClassifyCommand assigns a command line to a coarse category by keyword.
func ClassifyCommand(cmd string) string {
	lower := strings.ToLower(strings.TrimSpace(cmd))
	if lower == "" {
		return CategoryOther
	}
	tokens := make(map[string]bool)
	for i, f := range strings.FieldsFunc(lower, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '|' || r == ';' || r == '&' || r == '(' || r == ')' || r == '"' || r == '\''
	}) {
		if i == 0 || strings.ContainsAny(f, `/\`) {
			f = path.Base(strings.ReplaceAll(f, `\`, "/"))
		}
		tokens[strings.TrimSuffix(f, ".exe")] = true
	}

	for _, r := range rules {
		for _, w := range r.words {
			if tokens[w] {
				return r.category
			}
		}
		for _, p := range r.phrases {
			if strings.Contains(lower, p) {
				return r.category
			}
		}
	}
	return CategoryOther
}
